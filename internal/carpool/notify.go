package carpool

import (
	"bytes"
	"net/url"
	"strings"
	"text/template"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/itinerary"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/token"
)

// Email kinds, also the metric label.
const (
	MailOfferCreated        = "offer_created"
	MailOfferCancelled      = "offer_cancelled"
	MailOfferCancelledRider = "offer_cancelled_passenger"
	MailOfferEnded          = "offer_ended"
	MailOfferEndedRider     = "offer_ended_passenger"
	MailRequestDriver       = "request_driver"
	MailRequestPassenger    = "request_passenger"
	MailConfirmed           = "reservation_confirmed"
	MailRefused             = "reservation_refused"
	MailExpired             = "reservation_expired"
	MailCancelled           = "reservation_cancelled"
	MailRemoved             = "passenger_removed"
	MailWithdrawn           = "request_withdrawn"
	MailWithdrawnDriver     = "request_withdrawn_driver"
	MailItineraryDriver     = "itinerary_driver"
	MailItineraryUpdated    = "itinerary_updated"
	MailReminderDriver      = "reminder_driver"
	MailReminderPassenger   = "reminder_passenger"
)

type stopRow struct{ Label, Time, Address string }

type dayBlock struct {
	Title    string
	Outbound []stopRow
	Return   []stopRow
	UsedOut  int
	UsedRet  int
	Max      int
	MapURL   string
}

type section struct {
	Title string
	Days  []dayBlock
}

type timeRow struct{ Day, Pickup, Dropoff string }

type link struct{ Label, URL string }

type mailData struct {
	Name     string
	Intro    string
	Sections []section
	Times    []timeRow
	Links    []link
}

var mailTemplate = template.Must(template.New("mail").Parse(`Bonjour {{.Name}},

{{.Intro}}
{{range .Sections}}
## {{.Title}}
{{range .Days}}
### {{.Title}}

| Aller | Heure | Adresse |
|---|---|---|
{{range .Outbound}}| {{.Label}} | {{.Time}} | {{.Address}} |
{{end}}
| Retour | Heure | Adresse |
|---|---|---|
{{range .Return}}| {{.Label}} | {{.Time}} | {{.Address}} |
{{end}}
Détour : {{.UsedOut}} min à l'aller, {{.UsedRet}} min au retour (maximum {{.Max}} min).{{if .MapURL}} [Voir le trajet]({{.MapURL}}){{end}}
{{end}}{{end}}{{if .Times}}
| Jour | Prise en charge | Dépose au retour |
|---|---|---|
{{range .Times}}| {{.Day}} | {{.Pickup}} | {{.Dropoff}} |
{{end}}{{end}}{{if .Links}}
{{range .Links}}- [{{.Label}}]({{.URL}})
{{end}}{{end}}`))

func compose(to, kind, subject string, d mailData) dispatch.Email {
	var b bytes.Buffer
	if err := mailTemplate.Execute(&b, d); err != nil {
		// static template; keep at least the intro
		b.Reset()
		b.WriteString(d.Intro)
	}
	return dispatch.Email{To: to, Kind: kind, Subject: subject, Body: b.String()}
}

func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func stopLabel(s itinerary.StopTime) string {
	switch s.Kind {
	case itinerary.StopHome:
		return "Domicile"
	case itinerary.StopOffice:
		return "Bureau"
	case itinerary.StopPickup:
		return "Prise en charge " + s.Name
	case itinerary.StopDropoff:
		return "Dépose " + s.Name
	}
	return string(s.Kind)
}

func rows(stops []itinerary.StopTime) []stopRow {
	out := make([]stopRow, len(stops))
	for i, s := range stops {
		out[i] = stopRow{Label: cell(stopLabel(s)), Time: s.Time.String(), Address: cell(s.Address)}
	}
	return out
}

// dayBlocks renders the projection for the given days.
func dayBlocks(o models.Offer, p *itinerary.Projection, days models.DaySet) []dayBlock {
	if p == nil {
		return nil
	}
	var out []dayBlock
	for _, dp := range p.Days {
		if !days.Has(dp.Day) {
			continue
		}
		out = append(out, dayBlock{
			Title:    capitalize(itinerary.DayNameFR(dp.Day)),
			Outbound: rows(dp.Outbound.Stops),
			Return:   rows(dp.Return.Stops),
			UsedOut:  dp.Outbound.UsedMinutes,
			UsedRet:  dp.Return.UsedMinutes,
			Max:      o.MaxDetourMinutes,
			MapURL:   dp.MapURL,
		})
	}
	return out
}

func passengerTimes(p *itinerary.Projection, reservationID string, days models.DaySet) []timeRow {
	pickup, dropoff := p.TimesFor(reservationID)
	var out []timeRow
	for _, d := range days.Days() {
		pu, ok1 := pickup[d]
		do, ok2 := dropoff[d]
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, timeRow{Day: itinerary.DayNameFR(d), Pickup: pu.String(), Dropoff: do.String()})
	}
	return out
}

func (s *Service) actionURL(path, tok string) string {
	return strings.TrimRight(s.BaseURL, "/") + path + "?token=" + url.QueryEscape(tok)
}

func (s *Service) reservationLink(label string, action token.Action, verb, reservationID, email string) link {
	return link{Label: label, URL: s.actionURL("/reservations/"+reservationID+"/"+verb, s.mint(action, reservationID, email))}
}

func (s *Service) passengerCancelLink(r models.Reservation) link {
	return s.reservationLink("Annuler ma réservation", token.ActionCancelPassenger, "cancel", r.ID, r.Passenger.Email)
}

func (s *Service) cancelOfferLink(o models.Offer) link {
	tok := s.mint(token.ActionCancelOffer, o.ID, o.Driver.Email)
	return link{Label: "Annuler mon offre", URL: s.actionURL("/offers/"+o.ID+"/cancel", tok)}
}

func (s *Service) itineraryLink(o models.Offer) link {
	tok := s.mint(token.ActionViewItinerary, o.ID, o.Driver.Email)
	return link{Label: "Voir mon itinéraire", URL: s.actionURL("/offers/"+o.ID+"/itinerary", tok)}
}

func (s *Service) offerCreatedEmail(o models.Offer, p *itinerary.Projection) dispatch.Email {
	return compose(o.Driver.Email, MailOfferCreated, "Votre offre de covoiturage est publiée", mailData{
		Name:     o.Driver.Name,
		Intro:    "Votre trajet domicile-bureau est en ligne. Vous recevrez un email pour chaque demande de passager.",
		Sections: []section{{Title: "Votre trajet", Days: dayBlocks(o, p, o.Days)}},
		Links:    []link{s.itineraryLink(o), s.cancelOfferLink(o)},
	})
}

// requestEmails are sent when a passenger submits a request: a receipt to
// the passenger, then the driver's decision email comparing the affected
// days before and after.
func (s *Service) requestEmails(o models.Offer, r models.Reservation, cancelLink link, before, after *itinerary.Projection) []dispatch.Email {
	days := itinerary.AffectedDays(o, r)
	passenger := compose(r.Passenger.Email, MailRequestPassenger, "Votre demande de covoiturage a été envoyée", mailData{
		Name:  r.Passenger.Name,
		Intro: "Votre demande a été transmise à " + o.Driver.Name + ". Horaires prévus si elle est acceptée :",
		Times: passengerTimes(after, r.ID, days),
		Links: []link{cancelLink},
	})
	driver := compose(o.Driver.Email, MailRequestDriver, r.Passenger.Name+" souhaite covoiturer avec vous", mailData{
		Name:  o.Driver.Name,
		Intro: r.Passenger.Name + " (" + r.Pickup.Address + ") demande une place le " + dayList(days) + ".",
		Sections: []section{
			{Title: "Itinéraire actuel", Days: dayBlocks(o, before, days)},
			{Title: "Itinéraire si vous acceptez", Days: dayBlocks(o, after, days)},
		},
		Links: []link{
			s.reservationLink("Accepter", token.ActionAccept, "accept", r.ID, o.Driver.Email),
			s.reservationLink("Refuser", token.ActionRefuse, "refuse", r.ID, o.Driver.Email),
		},
	})
	return []dispatch.Email{passenger, driver}
}

func (s *Service) confirmedEmail(o models.Offer, r models.Reservation, p *itinerary.Projection) dispatch.Email {
	return compose(r.Passenger.Email, MailConfirmed, "Votre covoiturage est confirmé", mailData{
		Name:  r.Passenger.Name,
		Intro: o.Driver.Name + " a accepté votre demande. Vos horaires :",
		Times: passengerTimes(p, r.ID, itinerary.AffectedDays(o, r)),
		Links: []link{s.passengerCancelLink(r)},
	})
}

// driverItinerary is the consolidated email the driver receives after each
// change: the whole week with a remove link per confirmed passenger.
func (s *Service) driverItinerary(o models.Offer, p *itinerary.Projection, confirmed []models.Reservation, intro string) dispatch.Email {
	d := mailData{
		Name:     o.Driver.Name,
		Intro:    intro,
		Sections: []section{{Title: "Votre itinéraire de la semaine", Days: dayBlocks(o, p, o.Days)}},
	}
	for _, r := range confirmed {
		d.Links = append(d.Links, s.reservationLink("Retirer "+r.Passenger.Name, token.ActionRemovePassenger, "remove", r.ID, o.Driver.Email))
	}
	d.Links = append(d.Links, s.itineraryLink(o), s.cancelOfferLink(o))
	return compose(o.Driver.Email, MailItineraryDriver, "Votre itinéraire de covoiturage a été mis à jour", d)
}

func (s *Service) passengerUpdate(o models.Offer, p *itinerary.Projection, r models.Reservation) dispatch.Email {
	return compose(r.Passenger.Email, MailItineraryUpdated, "Vos horaires de covoiturage ont changé", mailData{
		Name:  r.Passenger.Name,
		Intro: "L'itinéraire de " + o.Driver.Name + " a changé. Vos nouveaux horaires :",
		Times: passengerTimes(p, r.ID, itinerary.AffectedDays(o, r)),
		Links: []link{s.passengerCancelLink(r)},
	})
}

// notice is a plain message without itinerary.
func notice(to, name, kind, subject, intro string) dispatch.Email {
	return compose(to, kind, subject, mailData{Name: name, Intro: intro})
}

func dayList(days models.DaySet) string {
	names := make([]string, 0, 7)
	for _, d := range days.Days() {
		names = append(names, itinerary.DayNameFR(d))
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " et " + names[len(names)-1]
}

// shifted returns the reservations among others whose pickup or drop-off
// time moved by at least a minute on a day in affected.
func shifted(o models.Offer, before, after *itinerary.Projection, others []models.Reservation, affected models.DaySet) []models.Reservation {
	var out []models.Reservation
	for _, r := range others {
		days := itinerary.AffectedDays(o, r).Intersect(affected)
		if days.IsEmpty() {
			continue
		}
		pb, db := before.TimesFor(r.ID)
		pa, da := after.TimesFor(r.ID)
		for _, d := range days.Days() {
			if moved(pb, pa, d) || moved(db, da, d) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func moved(a, b models.DayTimes, d models.Weekday) bool {
	x, ok1 := a[d]
	y, ok2 := b[d]
	if ok1 != ok2 {
		return true
	}
	return x != y
}
