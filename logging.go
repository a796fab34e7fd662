package tiebreak

import "go.uber.org/zap"

const (
	// GCPProject is the project this runs in.
	GCPProject = "icco-cloud"

	// Service is the name of this service.
	Service = "tiebreak"
)

// NopIfNil returns log, or a logger that discards everything when log is nil.
// Library packages accept an optional logger and run it through this.
func NopIfNil(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}
