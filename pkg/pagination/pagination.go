package pagination

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is the requested window of a listing.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit and ?offset, clamping limit to MaxLimit.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Page is one window of a listing. Data is an empty array, never null.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+len(items) < total,
	}
}

// Links builds an RFC 8288 Link header value with next and prev relations.
// Filters already on u (e.g. ?status=) are carried over. It is empty when
// there is a single page.
func (p Params) Links(u *url.URL, total int) string {
	var links []string
	if p.Offset+p.Limit < total {
		links = append(links, link(u, p.Limit, p.Offset+p.Limit, "next"))
	}
	if p.Offset > 0 {
		links = append(links, link(u, p.Limit, max(p.Offset-p.Limit, 0), "prev"))
	}
	return strings.Join(links, ", ")
}

func link(u *url.URL, limit, offset int, rel string) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return fmt.Sprintf(`<%s?%s>; rel="%s"`, u.Path, q.Encode(), rel)
}

// Respond writes the page as JSON and sets the Link header.
func Respond[T any](c echo.Context, p Params, items []T, total int) error {
	if l := p.Links(c.Request().URL, total); l != "" {
		c.Response().Header().Set("Link", l)
	}
	return c.JSON(http.StatusOK, NewPage(items, total, p))
}
