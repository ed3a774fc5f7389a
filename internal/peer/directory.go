package peer

import (
	"math"
	"sync"
	"time"

	"meshpay/internal/debuglog"
	"meshpay/internal/events"
	"meshpay/internal/proto"
)

const DefaultStaleWindow = 30 * time.Second

// Record is one sighted nearby device, keyed by the transport-assigned id.
type Record struct {
	ID             string
	DisplayName    string
	SignalStrength int
	HasSignal      bool
	Roles          proto.Role
	TruncatedAddr  [4]byte
	FirstSeen      time.Time
	LastSeen       time.Time
}

// Sighting is one decoded advertisement observation.
type Sighting struct {
	ID             string
	DisplayName    string
	SignalStrength int
	HasSignal      bool
	Roles          proto.Role
	TruncatedAddr  [4]byte
}

type Options struct {
	Now func() time.Time
}

// Directory tracks nearby peers and keeps at most one selected relayer.
// Selection changes are published as events, never re-announced redundantly.
type Directory struct {
	mu       sync.Mutex
	records  map[string]*Record
	selected string
	bus      *events.Bus
	now      func() time.Time
}

func NewDirectory(bus *events.Bus, opts Options) *Directory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Directory{
		records: make(map[string]*Record),
		bus:     bus,
		now:     now,
	}
}

// Upsert merges an advertisement sighting into the directory. FirstSeen is
// preserved across sightings; LastSeen and signal always refresh.
func (d *Directory) Upsert(s Sighting) {
	if s.ID == "" {
		return
	}
	d.mu.Lock()
	now := d.now()
	rec, ok := d.records[s.ID]
	if !ok {
		rec = &Record{ID: s.ID, FirstSeen: now}
		d.records[s.ID] = rec
	}
	if s.DisplayName != "" {
		rec.DisplayName = s.DisplayName
	}
	rec.SignalStrength = s.SignalStrength
	rec.HasSignal = s.HasSignal
	rec.Roles = s.Roles
	rec.TruncatedAddr = s.TruncatedAddr
	rec.LastSeen = now
	snapshot := *rec
	d.reevaluateLocked()
	d.mu.Unlock()

	d.bus.Publish(events.PeerDiscovered{
		PeerID:         snapshot.ID,
		DisplayName:    snapshot.DisplayName,
		Roles:          snapshot.Roles,
		SignalStrength: snapshot.SignalStrength,
	})
	debuglog.Debugf("peer upsert: id=%s roles=%s signal=%d", snapshot.ID, snapshot.Roles, snapshot.SignalStrength)
}

// SweepStale evicts records not seen within the window. Re-entrant timer
// fires against already-removed peers are no-ops.
func (d *Directory) SweepStale(staleWindow time.Duration) {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	d.mu.Lock()
	cutoff := d.now().Add(-staleWindow)
	removed := make([]string, 0)
	for id, rec := range d.records {
		if rec.LastSeen.Before(cutoff) {
			delete(d.records, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		d.reevaluateLocked()
	}
	d.mu.Unlock()

	for _, id := range removed {
		d.bus.Publish(events.PeerLost{PeerID: id})
		debuglog.Debugf("peer lost: id=%s", id)
	}
}

func (d *Directory) Remove(id string) {
	d.mu.Lock()
	_, ok := d.records[id]
	if ok {
		delete(d.records, id)
		d.reevaluateLocked()
	}
	d.mu.Unlock()
	if ok {
		d.bus.Publish(events.PeerLost{PeerID: id})
	}
}

func (d *Directory) Get(id string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns records by value, most recently seen first.
func (d *Directory) Snapshot() []Record {
	d.mu.Lock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	d.mu.Unlock()
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastSeen.After(out[j-1].LastSeen); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Selected returns the current relayer id, if any.
func (d *Directory) Selected() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected, d.selected != ""
}

// reevaluateLocked recomputes the relay selection: relay-capable peers only,
// strongest signal wins, ties go to the most recently seen. Unknown signal
// ranks below every measured one.
func (d *Directory) reevaluateLocked() {
	best := ""
	bestSignal := math.MinInt
	var bestSeen time.Time
	for id, rec := range d.records {
		if !rec.Roles.RelayCapable() {
			continue
		}
		signal := math.MinInt
		if rec.HasSignal {
			signal = rec.SignalStrength
		}
		if best == "" || signal > bestSignal || (signal == bestSignal && rec.LastSeen.After(bestSeen)) {
			best = id
			bestSignal = signal
			bestSeen = rec.LastSeen
		}
	}
	if best == d.selected {
		return
	}
	d.selected = best
	d.bus.Publish(events.RelayerSelected{PeerID: best})
	debuglog.Debugf("relayer selected: id=%q", best)
}
