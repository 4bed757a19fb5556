package alert

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitso-adapter/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives important adapter events. Implementations must not block
// the caller.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	defaultRepeatWindow       = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// RepeatWindow folds an event raised again for the same op within the
	// window into the next delivered message. Zero disables folding.
	RepeatWindow time.Duration
	Logger       *logrus.Logger
}

// Event is one queued alert. Repeats counts the folded occurrences that
// preceded it.
type Event struct {
	Name    string
	Fields  map[string]string
	At      time.Time
	Repeats int
}

func (e Event) key() string {
	return e.Name + "|" + e.Fields["op"]
}

// Stats are the delivery counters of a Manager.
type Stats struct {
	Dropped       uint64
	DroppedWindow uint64
	Folded        uint64
}

// Manager delivers alerts for one exchange pair through a Notifier on its
// own goroutine. A full queue drops events instead of blocking.
type Manager struct {
	exchange     string
	pair         string
	notifier     Notifier
	log          *logrus.Entry
	queue        chan Event
	stop         chan struct{}
	done         chan struct{}
	dropReport   time.Duration
	repeatWindow time.Duration
	now          func() time.Time
	wg           sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	stats      Stats
	lastQueued map[string]time.Time
	folded     map[string]int
}

func NewManager(exchange, pair string, notifier Notifier) *Manager {
	return NewManagerWithOptions(exchange, pair, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
		RepeatWindow:       defaultRepeatWindow,
	})
}

func NewManagerWithOptions(exchange, pair string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.RepeatWindow < 0 {
		opts.RepeatWindow = 0
	}
	m := &Manager{
		exchange:     exchange,
		pair:         pair,
		notifier:     notifier,
		log:          logger.Component(opts.Logger, "alert").WithFields(logrus.Fields{"exchange": exchange, "pair": pair}),
		queue:        make(chan Event, opts.QueueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		dropReport:   opts.DropReportInterval,
		repeatWindow: opts.RepeatWindow,
		now:          time.Now,
		lastQueued:   map[string]time.Time{},
		folded:       map[string]int{},
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReport > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := Event{Name: event, Fields: cloneFields(fields)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	ev.At = m.now()
	if m.repeatWindow > 0 {
		key := ev.key()
		if last, ok := m.lastQueued[key]; ok && ev.At.Sub(last) < m.repeatWindow {
			m.folded[key]++
			m.stats.Folded++
			return
		}
		m.lastQueued[key] = ev.At
		ev.Repeats = m.folded[key]
		delete(m.folded, key)
	}

	select {
	case m.queue <- ev:
	default:
		m.stats.Dropped++
		m.stats.DroppedWindow++
		// first drop of a window is logged at once, the periodic report covers the rest
		if m.stats.DroppedWindow == 1 {
			m.log.WithFields(logrus.Fields{
				"event":         "alert_queue_dropped",
				"target_event":  event,
				"dropped_total": m.stats.Dropped,
				"queue_cap":     cap(m.queue),
			}).Warn("alert dropped")
		}
	}
}

// Close stops intake and waits until every queued event was handed to the
// notifier or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					m.reportFolded()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReport)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	m.mu.Lock()
	dropped, total := m.stats.DroppedWindow, m.stats.Dropped
	m.stats.DroppedWindow = 0
	m.mu.Unlock()
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"event":               "alert_queue_dropped_report",
		"dropped_since_last":  dropped,
		"dropped_total":       total,
		"report_interval_sec": int64(m.dropReport / time.Second),
		"queue_cap":           cap(m.queue),
	}).Warn("alerts dropped")
}

// reportFolded logs repeats that never got a follow-up message.
func (m *Manager) reportFolded() {
	m.mu.Lock()
	pending := m.folded
	m.folded = map[string]int{}
	m.mu.Unlock()
	for key, n := range pending {
		m.log.WithFields(logrus.Fields{
			"event":   "alert_repeats_undelivered",
			"key":     key,
			"repeats": n,
		}).Warn("repeated alerts folded at shutdown")
	}
}

func (m *Manager) send(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"event":        "alert_notify_failed",
			"target_event": ev.Name,
		}).Error("alert delivery failed")
	}
}

func (m *Manager) format(ev Event) string {
	var b strings.Builder
	b.WriteString("[bitso-adapter] important\n")
	b.WriteString("time: " + ev.At.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("exchange: " + m.exchange + "\n")
	b.WriteString("pair: " + m.pair + "\n")
	b.WriteString("event: " + ev.Name)
	if ev.Repeats > 0 {
		b.WriteString("\nrepeated: " + strconv.Itoa(ev.Repeats) + " more since last message")
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + ev.Fields[k])
	}
	return b.String()
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
