package models

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultModel is the model selected when the page address does not name one.
const DefaultModel = "mixtral"

// SearchParams is the query state encoded into the results page address. It allows deep-linking
// into a fresh search without any persisted server state.
type SearchParams struct {
	Query  string
	Images bool
	Model  string
}

// ParseSearchParams decodes SearchParams from the page address values. Image search is enabled
// unless the flag is explicitly "false". The landing page historically used "imageSearch" as the
// flag name, so it is honoured when "images" is absent.
func ParseSearchParams(values url.Values) SearchParams {
	p := SearchParams{
		Query:  strings.TrimSpace(values.Get("q")),
		Images: true,
		Model:  values.Get("model"),
	}

	flag, ok := values["images"]
	if !ok {
		flag, ok = values["imageSearch"]
	}
	if ok && len(flag) > 0 && flag[0] == "false" {
		p.Images = false
	}

	if p.Model == "" {
		p.Model = DefaultModel
	}
	return p
}

// Values encodes the params back into page address values.
func (p SearchParams) Values() url.Values {
	v := url.Values{}
	v.Set("q", p.Query)
	v.Set("images", strconv.FormatBool(p.Images))
	v.Set("model", p.Model)
	return v
}

// URL returns the results page address for the params.
func (p SearchParams) URL() string {
	return "/search?" + p.Values().Encode()
}
