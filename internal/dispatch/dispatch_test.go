package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = Email{
	To:      "paul@example.com",
	Kind:    "reservation_confirmed",
	Subject: "Réservation confirmée",
	Body:    "Bonjour **Paul**,\n\n| Jour | Prise en charge |\n|---|---|\n| lundi | 07:44 |\n\n<script>alert(1)</script>\n",
}

func TestRender(t *testing.T) {
	m, err := Render(sample)
	require.NoError(t, err)
	assert.Equal(t, sample.Body, m.Text)
	assert.Contains(t, m.HTML, "<strong>Paul</strong>")
	assert.Contains(t, m.HTML, "<table>")
	assert.Contains(t, m.HTML, "<title>Réservation confirmée</title>")
	assert.NotContains(t, m.HTML, "<script>")
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var raw []byte
	s := NewSMTPSender("smtp.example.com", 587, "user", "pw", "covoit@example.com")
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, raw = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), sample))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "covoit@example.com", gotFrom)
	assert.Equal(t, []string{"paul@example.com"}, gotTo)
	msg := string(raw)
	assert.Contains(t, msg, "Subject: =?utf-8?q?R=C3=A9servation_confirm=C3=A9e?=")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "Content-Type: text/html; charset=utf-8")

	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 try later") }
	assert.ErrorContains(t, s.Send(context.Background(), sample), "421")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaQueue_RoundTrip(t *testing.T) {
	w := &fakeWriter{}
	q := NewKafkaQueueWithWriter(w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the request may be gone by the time mail is handed off
	require.NoError(t, q.Send(ctx, sample))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "paul@example.com", string(w.msgs[0].Key))

	back, err := DecodeEmail(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, sample, back)

	_, err = DecodeEmail(kafka.Message{Value: []byte(`{"subject":"x"}`)})
	assert.Error(t, err)

	w.err = errors.New("leader not available")
	assert.Error(t, q.Send(context.Background(), sample))
}

func TestFeedHub_PublishesToSubscribers(t *testing.T) {
	hub := NewFeedHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, unsubscribe := hub.Subscribe("off-1", conn)
		defer unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("off-1") == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish("off-2", map[string]string{"ignored": "yes"})
	hub.Publish("off-1", map[string]string{"offer_id": "off-1"})

	var got map[string]string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "off-1", got["offer_id"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("off-1") == 0 }, time.Second, 5*time.Millisecond)
}
