package ldapstream

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Directory servers cap the number of values returned per multi-valued
// attribute and signal truncation with an explicit range option, e.g.
// "member;range=0-1499". The resolver pages through successive windows until
// the server marks the final one with a "*" high bound.

var rangeOptionPattern = regexp.MustCompile(`(?i);range=(\d+)-(\d+|\*)$`)

// rangedWindow describes one truncated attribute window.
type rangedWindow struct {
	attr *Attribute
	low  int
	high int
	last bool // "*" high bound: this window is the final one
}

// rangedAttribute finds a range-marked variant of the attribute on the
// record, or nil when the attribute arrived complete.
func rangedAttribute(rec *Record, name string) *rangedWindow {
	lower := strings.ToLower(name)

	for _, attr := range rec.Attributes() {
		if attr.baseName() != lower {
			continue
		}

		match := rangeOptionPattern.FindStringSubmatch(attr.Name)
		if match == nil {
			continue
		}

		low, _ := strconv.Atoi(match[1])
		window := &rangedWindow{attr: attr, low: low}

		if match[2] == "*" {
			window.last = true
			window.high = low + len(attr.Values) - 1
		} else {
			window.high, _ = strconv.Atoi(match[2])
		}

		return window
	}

	return nil
}

// FullRange returns the complete ordered value sequence of a multi-valued
// attribute, transparently paging through range windows via batched
// point-lookups. An attribute that arrived complete is returned directly
// with no extra round trip.
func (c *Client) FullRange(ctx context.Context, rec *Record, attribute string) ([]string, error) {
	if rec == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}

	// Complete attribute: no range marker, no round trip.
	if attr := rec.Attribute(attribute); attr != nil {
		return attr.Values, nil
	}

	window := rangedAttribute(rec, attribute)
	if window == nil {
		// Attribute absent entirely.
		return nil, nil
	}

	values := append([]string(nil), window.attr.Values...)

	for !window.last {
		// Size the next window to match what the server granted last time.
		granted := window.high - window.low + 1
		low := window.high + 1
		high := low + granted - 1

		next := fmt.Sprintf("%s;range=%d-%d", attribute, low, high)

		cont, err := c.loader.Load(ctx, rec.DN, []string{next})
		if err != nil {
			return nil, wrapError("range_continuation", rec.DN, err)
		}

		window = rangedAttribute(cont, attribute)
		if window == nil {
			// Some servers answer the final request with the plain attribute.
			if attr := cont.attributeByBase(attribute); attr != nil && len(attr.Values) > 0 {
				values = append(values, attr.Values...)
			}
			break
		}

		if len(window.attr.Values) == 0 {
			// An empty continuation window is definitive termination, even if
			// the server claimed more data.
			break
		}

		values = append(values, window.attr.Values...)
	}

	return values, nil
}
