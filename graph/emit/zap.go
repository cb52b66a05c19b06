package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter writes events to a zap logger. Failures are logged at warn
// level, everything else at debug, except run boundaries which are info.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter returns an emitter logging to logger.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger}
}

// Emit logs event.
func (z *ZapEmitter) Emit(event Event) {
	level := zapcore.DebugLevel
	switch event.Msg {
	case MsgNodeFailed:
		level = zapcore.WarnLevel
	case MsgRunStarted, MsgRunFinished:
		level = zapcore.InfoLevel
	}

	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("run_id", event.RunID))
	if event.NodeID != "" {
		fields = append(fields, zap.String("node", event.NodeID), zap.Int("depth", event.Depth))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}
