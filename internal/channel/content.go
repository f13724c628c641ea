package channel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseGeoURI parses an RFC 5870 style "geo:<lat>,<lon>[,<alt>][;u=<meters>]"
// URI. It returns false for anything malformed.
func ParseGeoURI(raw string) (*Location, bool) {
	value := strings.TrimSpace(raw)
	if len(value) < 4 || !strings.EqualFold(value[:4], "geo:") {
		return nil, false
	}
	value = value[4:]
	params := ""
	if idx := strings.Index(value, ";"); idx >= 0 {
		params = value[idx+1:]
		value = value[:idx]
	}
	coords := strings.Split(value, ",")
	if len(coords) < 2 || len(coords) > 3 {
		return nil, false
	}
	lat, ok := parseCoordinate(coords[0], 90)
	if !ok {
		return nil, false
	}
	lon, ok := parseCoordinate(coords[1], 180)
	if !ok {
		return nil, false
	}
	if len(coords) == 3 {
		if _, err := strconv.ParseFloat(strings.TrimSpace(coords[2]), 64); err != nil {
			return nil, false
		}
	}
	loc := &Location{Latitude: lat, Longitude: lon}
	for _, param := range strings.Split(params, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(key, "u") {
			continue
		}
		acc, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || acc < 0 || math.IsNaN(acc) || math.IsInf(acc, 0) {
			return nil, false
		}
		loc.Accuracy = acc
	}
	return loc, true
}

func parseCoordinate(raw string, bound float64) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < -bound || v > bound {
		return 0, false
	}
	return v, true
}

// FormatLocation renders a location as inbound text.
func FormatLocation(loc Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 %.6f, %.6f", loc.Latitude, loc.Longitude)
	if loc.Accuracy > 0 {
		fmt.Fprintf(&b, " ±%.0fm", loc.Accuracy)
	}
	name := strings.TrimSpace(loc.Name)
	address := strings.TrimSpace(loc.Address)
	switch {
	case name != "" && address != "":
		fmt.Fprintf(&b, "\n%s, %s", name, address)
	case name != "":
		b.WriteString("\n" + name)
	case address != "":
		b.WriteString("\n" + address)
	}
	return b.String()
}

// FormatPoll renders a poll as a text summary. It returns "" when the poll
// has no question.
func FormatPoll(poll Poll) string {
	question := strings.TrimSpace(poll.Question)
	if question == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Poll] " + question)
	if poll.Multiple {
		b.WriteString(" (multiple choice)")
	}
	n := 0
	for _, option := range poll.Options {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "\n%d. %s", n, option)
	}
	return b.String()
}

// ReinterpretBody returns the text body for an event, converting structured
// location and poll content. ok is false when the event carries nothing the
// pipeline can use as text or media.
func ReinterpretBody(event InboundEvent) (string, bool) {
	switch event.Kind {
	case ContentText:
		text := strings.TrimSpace(event.Text)
		return text, text != ""
	case ContentMedia:
		return strings.TrimSpace(event.Text), len(event.Attachments) > 0 || strings.TrimSpace(event.Text) != ""
	case ContentLocation:
		if event.Location == nil {
			return "", false
		}
		body := FormatLocation(*event.Location)
		if caption := strings.TrimSpace(event.Text); caption != "" {
			body = caption + "\n" + body
		}
		return body, true
	case ContentPoll:
		if event.Poll == nil {
			return "", false
		}
		body := FormatPoll(*event.Poll)
		return body, body != ""
	default:
		return "", false
	}
}
