package api

import (
	"context"

	"prism-board/board"
	"prism-board/domain"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
	State board.State   `json:"state"`
	Error string        `json:"error,omitempty"`
}

type viewResponse struct {
	Version uint64                   `json:"version"`
	View    []domain.Task            `json:"view"`
	Groups  []domain.Group           `json:"groups,omitempty"`
	Filters domain.FilterState       `json:"filters"`
	Sort    domain.SortState         `json:"sort"`
	GroupBy domain.GroupBy           `json:"groupBy"`
	Layout  domain.ViewConfiguration `json:"layout"`
}

type layoutsResponse struct {
	Active domain.ViewConfiguration   `json:"currentLayout"`
	Saved  []domain.ViewConfiguration `json:"savedLayouts"`
}

type saveLayoutRequest struct {
	Name   string                   `json:"name"`
	Layout domain.ViewConfiguration `json:"layout"`
}

type groupByRequest struct {
	GroupBy string `json:"groupBy"`
}

func newViewResponse(s board.Snapshot) viewResponse {
	return viewResponse{
		Version: s.Version,
		View:    s.View,
		Groups:  s.Groups,
		Filters: s.Filters,
		Sort:    s.Sort,
		GroupBy: s.GroupBy,
		Layout:  s.Layout,
	}
}

func newLayoutsResponse(s board.Snapshot) layoutsResponse {
	return layoutsResponse{Active: s.Layout, Saved: s.Saved}
}
