package orchestrator

import "log/slog"

// Status stages reported to observers.
const (
	StageAnalyzing    = "analyzing"
	StageRouting      = "routing"
	StageAgent        = "agent"
	StageRetrieving   = "retrieving"
	StageTranscribing = "transcribing"
	StageSynthesizing = "synthesizing"
	StageFallback     = "fallback"
)

// Observer receives human-readable progress at stage transitions.
// Implementations must not block; callers may ignore status entirely.
type Observer interface {
	OnStatus(stage, message string)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(stage, message string)

// OnStatus implements [Observer].
func (f ObserverFunc) OnStatus(stage, message string) { f(stage, message) }

// Multi fans status out to every non-nil observer in order.
type Multi []Observer

// OnStatus implements [Observer].
func (m Multi) OnStatus(stage, message string) {
	for _, o := range m {
		if o != nil {
			o.OnStatus(stage, message)
		}
	}
}

// LogObserver writes status transitions to a logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer that logs at debug level.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// OnStatus implements [Observer].
func (l *LogObserver) OnStatus(stage, message string) {
	l.logger.Debug("routing status", "stage", stage, "message", message)
}
