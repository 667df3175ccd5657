package fleet

import (
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultStatsTimeout bounds a whole stats collection across the fleet
const DefaultStatsTimeout = 10 * time.Second

// StatsRecord is one listener's contribution to a Report
type StatsRecord struct {
	Name    string
	Payload any
}

// MarshalJSON encodes the record as a single-key object {name: payload}
func (r StatsRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{r.Name: r.Payload})
}

// Report is the aggregated fleet status
type Report struct {
	DonationAddress string        `json:"donationAddress"`
	BannerFile      *string       `json:"bannerFile"`
	Servers         []StatsRecord `json:"Servers"`
}

// Aggregator collects stats from listeners without letting a slow one
// stall the caller.
type Aggregator struct {
	clock  clock.Clock
	logger *zap.Logger
}

// NewAggregator returns an aggregator using clk for its deadlines
func NewAggregator(clk clock.Clock, logger *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{clock: clk, logger: logger}
}

// Collect queries each listener in order, giving each total/len(listeners)
// to answer. Listeners that miss their deadline are left out.
func (a *Aggregator) Collect(listeners []Listener, total time.Duration) []StatsRecord {
	records := make([]StatsRecord, 0, len(listeners))
	if len(listeners) == 0 {
		return records
	}

	budget := total / time.Duration(len(listeners))
	for _, l := range listeners {
		l := l
		rec, ok := Query(a.clock, l, budget, func() StatsRecord {
			return StatsRecord{Name: l.Name(), Payload: l.Stats()}
		})
		if !ok {
			a.logger.Debug("listener missed stats deadline",
				zap.String("server", l.Name()),
				zap.Duration("budget", budget))
			continue
		}
		records = append(records, rec)
	}
	return records
}
