package gateway

import (
	"github.com/andhika/lumen/pkg/agentrun"
)

// progressPayload is the wire shape of an agent.progress event.
type progressPayload struct {
	Snapshot agentrun.Snapshot `json:"snapshot"`
	Surface  bool              `json:"surface"`
}

// sessionListPayload is the wire shape of an agent.sessionListChanged event.
type sessionListPayload struct {
	Active []agentrun.Session `json:"active"`
	Recent []agentrun.Session `json:"recent"`
}

// OnProgress implements agentrun.Observer. Progress pushes fan out to
// every authenticated client; the Surface flag tells clients whether to
// raise their progress window.
func (s *Server) OnProgress(update agentrun.Update) {
	s.events.Broadcast("agent.progress", progressPayload{
		Snapshot: update.Snapshot,
		Surface:  update.Surface,
	})
}

// OnSessionListChanged implements agentrun.Observer.
func (s *Server) OnSessionListChanged(lists agentrun.SessionLists) {
	s.events.Broadcast("agent.sessionListChanged", sessionListPayload{
		Active: lists.Active,
		Recent: lists.Recent,
	})
}
