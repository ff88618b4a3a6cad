package collections

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"statesync/internal/channel"
	"statesync/internal/logging"

	"github.com/google/uuid"
)

// RequestStatus is the decision state of an access request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
)

// AccessRequest asks a sub-admin for access to one product area.
type AccessRequest struct {
	ID        string        `json:"id"`
	Program   Program       `json:"program,omitempty"`
	Area      string        `json:"area,omitempty"`
	Requester string        `json:"requester,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	DecidedAt *time.Time    `json:"decidedAt,omitempty"`
	DecidedBy string        `json:"decidedBy,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// AccessRequestStore is the repository for the shared requests list.
type AccessRequestStore struct {
	c   *channel.Channel
	now clock
}

// NewAccessRequestStore returns the requests repository on c.
func NewAccessRequestStore(c *channel.Channel) *AccessRequestStore {
	return &AccessRequestStore{c: c, now: systemClock}
}

// decodeRequests normalizes the stored requests list. Entries without an
// id are dropped; numeric ids become strings; unknown statuses read as
// PENDING.
func decodeRequests(raw json.RawMessage) []AccessRequest {
	items := asArray(raw)
	out := make([]AccessRequest, 0, len(items))
	for _, item := range items {
		o := asObject(item)
		if o == nil {
			continue
		}
		id := o.str("id", "requestId")
		if id == "" {
			continue
		}
		r := AccessRequest{
			ID:        id,
			Program:   Program(strings.ToLower(o.str("program"))),
			Area:      o.str("area", "productArea"),
			Requester: o.str("requester", "requestedBy", "name"),
			Reason:    o.str("reason", "message"),
			Status:    parseRequestStatus(o.str("status")),
			CreatedAt: o.when("createdAt", "created_at"),
			DecidedAt: o.whenPtr("decidedAt", "decided_at"),
			DecidedBy: o.str("decidedBy", "decided_by"),
			Note:      o.str("note"),
		}
		out = append(out, r)
	}
	return out
}

func parseRequestStatus(s string) RequestStatus {
	switch RequestStatus(strings.ToUpper(s)) {
	case StatusApproved:
		return StatusApproved
	case StatusRejected:
		return StatusRejected
	default:
		return StatusPending
	}
}

// List returns every request in stored order.
func (s *AccessRequestStore) List() []AccessRequest {
	return load(s.c, RequestsKey, decodeRequests)
}

// Get returns the request with id.
func (s *AccessRequestStore) Get(id string) (AccessRequest, error) {
	for _, r := range s.List() {
		if r.ID == id {
			return r, nil
		}
	}
	return AccessRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
}

// Pending returns undecided requests for program, or for all programs when
// program is empty.
func (s *AccessRequestStore) Pending(program Program) []AccessRequest {
	var out []AccessRequest
	for _, r := range s.List() {
		if r.Status != StatusPending {
			continue
		}
		if program != "" && r.Program != program {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Put replaces the whole list, last writer wins.
func (s *AccessRequestStore) Put(requests []AccessRequest) {
	if requests == nil {
		requests = []AccessRequest{}
	}
	s.c.Write(RequestsKey, requests)
}

// Submit appends a new PENDING request.
func (s *AccessRequestStore) Submit(program Program, area, requester, reason string) (AccessRequest, error) {
	area, err := cleanArea(area)
	if err != nil {
		return AccessRequest{}, err
	}
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return AccessRequest{}, fmt.Errorf("%w: requester required", ErrInvalidInput)
	}

	r := AccessRequest{
		ID:        uuid.NewString(),
		Program:   program,
		Area:      area,
		Requester: requester,
		Reason:    strings.TrimSpace(reason),
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	_, err = mutate(s.c, RequestsKey, decodeRequests, func(list []AccessRequest) ([]AccessRequest, error) {
		return append(list, r), nil
	})
	if err != nil {
		return AccessRequest{}, err
	}

	logging.Collections("Access request %s submitted by %s for %s/%s", r.ID, requester, program, area)
	logging.Audit(s.c.Origin()).RequestSubmit(r.ID, requester, area)
	return r, nil
}

// Approve marks a PENDING request APPROVED.
func (s *AccessRequestStore) Approve(id, by string) (AccessRequest, error) {
	return s.decide(id, by, StatusApproved, "")
}

// Reject marks a PENDING request REJECTED with an optional note.
func (s *AccessRequestStore) Reject(id, by, note string) (AccessRequest, error) {
	return s.decide(id, by, StatusRejected, note)
}

func (s *AccessRequestStore) decide(id, by string, status RequestStatus, note string) (AccessRequest, error) {
	var decided AccessRequest
	_, err := mutate(s.c, RequestsKey, decodeRequests, func(list []AccessRequest) ([]AccessRequest, error) {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if list[i].Status != StatusPending {
				return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, id, list[i].Status)
			}
			at := s.now()
			list[i].Status = status
			list[i].DecidedAt = &at
			list[i].DecidedBy = strings.TrimSpace(by)
			if note != "" {
				list[i].Note = strings.TrimSpace(note)
			}
			decided = list[i]
			return list, nil
		}
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	})
	if err != nil {
		return AccessRequest{}, err
	}

	logging.Collections("Access request %s %s by %s", id, status, by)
	logging.Audit(s.c.Origin()).RequestDecide(id, string(status), by)
	return decided, nil
}

// Subscribe calls handler with the normalized list after every change.
func (s *AccessRequestStore) Subscribe(handler func([]AccessRequest)) func() {
	return watch(s.c, RequestsKey, decodeRequests, handler)
}
