package caldav

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/samber/mo"

	"github.com/syncwell/calbridge/internal/backend"
	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/normalize"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
)

// davResource is one parsed multistatus response: an object href, its etag
// and its raw ICS payload.
type davResource struct {
	href string
	etag string
	data string
}

// queryBody renders the calendar-query REPORT request for the window:
// getetag plus calendar-data for every VEVENT overlapping [from, to).
func queryBody(from, to time.Time) string {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	query := doc.CreateElement("C:calendar-query")
	query.CreateAttr("xmlns:D", nsDAV)
	query.CreateAttr("xmlns:C", nsCalDAV)

	prop := query.CreateElement("D:prop")
	prop.CreateElement("D:getetag")
	prop.CreateElement("C:calendar-data")

	filter := query.CreateElement("C:filter")
	calFilter := filter.CreateElement("C:comp-filter")
	calFilter.CreateAttr("name", "VCALENDAR")
	evFilter := calFilter.CreateElement("C:comp-filter")
	evFilter.CreateAttr("name", "VEVENT")
	timeRange := evFilter.CreateElement("C:time-range")
	timeRange.CreateAttr("start", from.UTC().Format(event.TimeLayout))
	timeRange.CreateAttr("end", to.UTC().Format(event.TimeLayout))

	body, _ := doc.WriteToString()
	return body
}

// parseMultistatus decodes a REPORT response into per-uid resources and the
// normalized events they carry. Responses or components that cannot be read
// land in the result's Skipped list instead of failing the whole call.
func parseMultistatus(r io.Reader) (map[string]*resource, *backend.ListResult, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, nil, fmt.Errorf("parse multistatus: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, nil, fmt.Errorf("parse multistatus: unexpected root element")
	}

	resources := make(map[string]*resource)
	result := &backend.ListResult{}

	for _, respElem := range root.SelectElements("response") {
		res := parseResponse(respElem)
		if res.IsError() {
			result.Skipped = append(result.Skipped, event.Failure{
				UID:    uidFromHref(hrefText(respElem)),
				Reason: res.Error().Error(),
			})
			continue
		}

		dav := res.MustGet()
		events, failures, err := normalize.FromICS(dav.data)
		if err != nil {
			result.Skipped = append(result.Skipped, event.Failure{
				UID:    uidFromHref(dav.href),
				Reason: fmt.Sprintf("unreadable ics: %v", err),
			})
			continue
		}
		result.Skipped = append(result.Skipped, failures...)

		for i := range events {
			ev := events[i]
			res := resources[ev.UID]
			if res == nil {
				res = &resource{
					href:   dav.href,
					etag:   dav.etag,
					events: make(map[string]event.NormalizedEvent),
				}
				resources[ev.UID] = res
			}
			res.events[ev.Key().String()] = ev
			result.Events = append(result.Events, ev)
		}
	}

	return resources, result, nil
}

// parseResponse resolves one multistatus response element. A response
// without an href or without calendar-data in a 2xx propstat is an error
// the caller records as skipped.
func parseResponse(respElem *etree.Element) mo.Result[davResource] {
	href := strings.TrimSpace(hrefText(respElem))
	if href == "" {
		return mo.Err[davResource](fmt.Errorf("response missing href"))
	}

	data := propValue(respElem, "calendar-data")
	if data.IsAbsent() {
		return mo.Err[davResource](fmt.Errorf("%s: no calendar-data returned", href))
	}

	return mo.Ok(davResource{
		href: href,
		etag: strings.TrimSpace(propValue(respElem, "getetag").OrEmpty()),
		data: data.MustGet(),
	})
}

// propValue finds a property's text in the response's 2xx propstats.
// Selection ignores namespace prefixes, so d:/D:/A: variants all match.
func propValue(respElem *etree.Element, name string) mo.Option[string] {
	for _, ps := range respElem.SelectElements("propstat") {
		statusElem := ps.SelectElement("status")
		if statusElem == nil || !propstatOK(statusElem.Text()) {
			continue
		}
		propElem := ps.SelectElement("prop")
		if propElem == nil {
			continue
		}
		if el := propElem.SelectElement(name); el != nil {
			return mo.Some(el.Text())
		}
	}
	return mo.None[string]()
}

// propstatOK reports whether a propstat status line ("HTTP/1.1 200 OK")
// carries a 2xx code.
func propstatOK(status string) bool {
	fields := strings.Fields(status)
	return len(fields) >= 2 && strings.HasPrefix(fields[1], "2")
}

func hrefText(respElem *etree.Element) string {
	if el := respElem.SelectElement("href"); el != nil {
		return el.Text()
	}
	return ""
}

// uidFromHref labels a skipped response by its object name when no uid
// could be parsed out of it.
func uidFromHref(href string) string {
	return strings.TrimSuffix(path.Base(strings.TrimSpace(href)), ".ics")
}
