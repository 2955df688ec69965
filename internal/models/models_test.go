package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaySet_Operations(t *testing.T) {
	mwf := NewDaySet(Monday, Wednesday, Friday)

	assert.True(t, mwf.Has(Monday))
	assert.False(t, mwf.Has(Tuesday))
	assert.True(t, mwf.IsSubsetOf(Weekdays))
	assert.False(t, Weekdays.IsSubsetOf(mwf))
	assert.Equal(t, []Weekday{Monday, Wednesday, Friday}, mwf.Days())
	assert.Equal(t, NewDaySet(Wednesday), mwf.Intersect(NewDaySet(Tuesday, Wednesday)))
	assert.True(t, DaySet(0).IsEmpty())
	assert.Equal(t, "mon,wed,fri", mwf.String())
}

func TestDaySet_JSON(t *testing.T) {
	b, err := json.Marshal(NewDaySet(Monday, Sunday))
	require.NoError(t, err)
	assert.JSONEq(t, `["mon","sun"]`, string(b))

	var s DaySet
	require.NoError(t, json.Unmarshal([]byte(`["lundi","Fri"]`), &s))
	assert.Equal(t, NewDaySet(Monday, Friday), s)

	require.NoError(t, json.Unmarshal([]byte(`31`), &s))
	assert.Equal(t, Weekdays, s)

	err = json.Unmarshal([]byte(`["someday"]`), &s)
	require.Error(t, err)
}

func TestTimeOfDay_ParseAndFormat(t *testing.T) {
	tod, err := ParseTimeOfDay("08:05")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay(485), tod)
	assert.Equal(t, "08:05", tod.String())
	assert.Equal(t, "23:50", TimeOfDay(-10).String())

	for _, bad := range []string{"8h", "24:00", "12:60", ""} {
		_, err := ParseTimeOfDay(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestNextOccurrence(t *testing.T) {
	loc := time.UTC
	thursday := time.Date(2026, 10, 15, 10, 0, 0, 0, loc)
	require.Equal(t, Thursday, WeekdayOf(thursday))

	got := NextOccurrence(thursday, Friday, TimeOfDay(7*60+30))
	assert.Equal(t, time.Date(2026, 10, 16, 7, 30, 0, 0, loc), got)

	// Same weekday, time already passed: next week.
	got = NextOccurrence(thursday, Thursday, TimeOfDay(8*60))
	assert.Equal(t, time.Date(2026, 10, 22, 8, 0, 0, 0, loc), got)
}

func TestCoord_JSONIsLonLat(t *testing.T) {
	b, err := json.Marshal(Coord{Lon: 2.879, Lat: 50.2})
	require.NoError(t, err)
	assert.Equal(t, `[2.879,50.2]`, string(b))

	var c Coord
	require.NoError(t, json.Unmarshal([]byte(`[2.756, 50.291]`), &c))
	assert.Equal(t, Coord{Lon: 2.756, Lat: 50.291}, c)
	assert.NoError(t, c.Validate())
	assert.ErrorIs(t, Coord{Lon: 2, Lat: 91}.Validate(), ErrValidation)
}

func TestReservation_DayTimesJSON(t *testing.T) {
	r := Reservation{PickupOutbound: DayTimes{Monday: 455}}
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var back Reservation
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, TimeOfDay(455), back.PickupOutbound[Monday])
}

func TestError_KindMatching(t *testing.T) {
	err := fmt.Errorf("carpool.Service.Accept: %w", BudgetExceeded("détour de %d min", 20))

	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindBudgetExceeded, KindOf(err))
	assert.Equal(t, "détour de 20 min", MessageOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestOffer_CorridorKm(t *testing.T) {
	assert.Equal(t, 15.0, Offer{MaxDetourMinutes: 15}.CorridorKm())
	assert.Equal(t, 4.0, Offer{MaxDetourMinutes: 15, MaxDetourKm: 4}.CorridorKm())
}
