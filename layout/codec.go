package layout

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shape-z/windowmesh/geometry"
)

// Descriptor and position overrides travel out-of-band (boot configuration,
// copy-pasted strings), so both use a prefixed, url-encoded JSON form.
const (
	descriptorPrefix = "vfl1."
	positionPrefix   = "pos1."
)

var (
	ErrBadDescriptor = errors.New("malformed layout descriptor")
	ErrBadPosition   = errors.New("malformed screen position")
)

// EncodeDescriptor renders the layout as a descriptor string,
// "vfl1." followed by the url-encoded JSON document.
func EncodeDescriptor(l Layout) (string, error) {
	if err := l.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(l)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode layout descriptor")
	}
	return descriptorPrefix + url.QueryEscape(string(payload)), nil
}

// DecodeDescriptor parses a descriptor produced by EncodeDescriptor.
// Decoding is strict: a wrong prefix, undecodable JSON or a layout that
// fails validation all yield an error.
func DecodeDescriptor(descriptor string) (Layout, error) {
	if !strings.HasPrefix(descriptor, descriptorPrefix) {
		return Layout{}, ErrBadDescriptor
	}
	payload, err := url.QueryUnescape(strings.TrimPrefix(descriptor, descriptorPrefix))
	if err != nil {
		return Layout{}, errors.Wrap(ErrBadDescriptor, err.Error())
	}
	var l Layout
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return Layout{}, errors.Wrap(ErrBadDescriptor, err.Error())
	}
	if err := l.Validate(); err != nil {
		return Layout{}, errors.Wrap(ErrBadDescriptor, err.Error())
	}
	return l, nil
}

// ParsePosition ingests a screen-position override. Three encodings are
// accepted: the prefixed form "pos1.<urlencoded-JSON>", a bare JSON object,
// or a comma-separated "x,y" pair.
func ParsePosition(value string) (geometry.Point, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return geometry.Point{}, ErrBadPosition
	}
	if strings.HasPrefix(value, positionPrefix) {
		payload, err := url.QueryUnescape(strings.TrimPrefix(value, positionPrefix))
		if err != nil {
			return geometry.Point{}, errors.Wrap(ErrBadPosition, err.Error())
		}
		return parsePositionJSON(payload)
	}
	if strings.HasPrefix(value, "{") {
		return parsePositionJSON(value)
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return geometry.Point{}, ErrBadPosition
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geometry.Point{}, errors.Wrap(ErrBadPosition, err.Error())
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geometry.Point{}, errors.Wrap(ErrBadPosition, err.Error())
	}
	return geometry.Point{X: x, Y: y}, nil
}

// EncodePosition renders a position override in the prefixed form.
func EncodePosition(p geometry.Point) string {
	payload, _ := json.Marshal(p)
	return positionPrefix + url.QueryEscape(string(payload))
}

func parsePositionJSON(payload string) (geometry.Point, error) {
	var p geometry.Point
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return geometry.Point{}, errors.Wrap(ErrBadPosition, err.Error())
	}
	return p, nil
}
