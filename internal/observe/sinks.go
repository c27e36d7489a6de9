package observe

import (
	"io"

	"github.com/cheggaaa/pb/v3"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

// LogObserver writes one line per probe or attempt
type LogObserver struct {
	Logger log.FieldLogger
}

func NewLogObserver(logger log.FieldLogger) *LogObserver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogObserver{Logger: logger}
}

func (l *LogObserver) ObserveProbe(r types.ProbeResult) {
	entry := l.Logger.WithFields(log.Fields{
		"proxy":      r.Address,
		"latency_ms": r.LatencyMs,
	})
	if r.Live {
		entry.Info("Proxy is working")
		return
	}
	entry = entry.WithField("reason", r.Reason)
	if r.StatusCode != 0 {
		entry = entry.WithField("status", r.StatusCode)
	}
	if r.Detail != "" {
		entry = entry.WithField("detail", r.Detail)
	}
	entry.Warn("Proxy failed")
}

func (l *LogObserver) ObserveAttempt(a types.DispatchAttempt) {
	entry := l.Logger.WithFields(log.Fields{
		"round":      a.Round,
		"proxy":      a.Proxy,
		"target":     a.Target,
		"outcome":    a.Outcome.Kind,
		"latency_ms": a.LatencyMs,
	})

	switch a.Outcome.Kind {
	case types.OutcomeSuccess:
		entry.Info("Message sent")
	case types.OutcomeHTTPError:
		entry.WithField("status", a.Outcome.StatusCode).Warn("Message rejected")
	case types.OutcomeTimeout:
		entry.Warn("Message timed out")
	default:
		entry.WithField("detail", a.Outcome.Detail).Warn("Message failed")
	}
}

// ProgressObserver advances a terminal progress bar per event
type ProgressObserver struct {
	bar *pb.ProgressBar
}

func NewProgressObserver(total int, prefix string, w io.Writer) *ProgressObserver {
	bar := pb.New(total)
	bar.SetWriter(w)
	bar.Set("prefix", prefix)
	bar.Start()
	return &ProgressObserver{bar: bar}
}

func (p *ProgressObserver) ObserveProbe(types.ProbeResult)       { p.bar.Increment() }
func (p *ProgressObserver) ObserveAttempt(types.DispatchAttempt) { p.bar.Increment() }

// Current returns the number of events seen so far
func (p *ProgressObserver) Current() int64 {
	return p.bar.Current()
}

// SetTotal resizes the bar once the real number of events is known
func (p *ProgressObserver) SetTotal(total int64) {
	p.bar.SetTotal(total)
}

func (p *ProgressObserver) Finish() {
	p.bar.Finish()
}
