package g2core

import "log/slog"

// LogSink is an EventSink that writes structured log lines for every core
// upcall. All methods are nil-safe: calling any method on a nil *LogSink is
// a no-op, so callers never need to nil-check before notifying it.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink writing through logger, or the default
// slog logger if logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.WithGroup("g2core")}
}

func (s *LogSink) NeighbourAdded(n *Neighbour) {
	if s == nil {
		return
	}
	s.logger.Info("neighbour_added", "endpoint", n.Endpoint.String(), "role", n.Role.String())
}

func (s *LogSink) NeighbourUpdated(n *Neighbour) {
	if s == nil {
		return
	}
	s.logger.Debug("neighbour_updated", "endpoint", n.Endpoint.String(), "role", n.Role.String(), "state", n.State.String())
}

func (s *LogSink) NeighbourRemoved(n *Neighbour) {
	if s == nil {
		return
	}
	s.logger.Info("neighbour_removed", "endpoint", n.Endpoint.String(), "role", n.Role.String())
}

func (s *LogSink) SearchStateChanged(srch *ManagedSearch) {
	if s == nil {
		return
	}
	s.logger.Info("search_state_changed", "guid", srch.GUID.String(), "state", srch.State.String())
}

func (s *LogSink) OnHit(searchGUID GUID, hits []QueryHit) {
	if s == nil {
		return
	}
	s.logger.Info("on_hit", "guid", searchGUID.String(), "count", len(hits))
}
