package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"solar-cloud/internal/eventing"
	"solar-cloud/internal/factors"
	"solar-cloud/internal/observability/metrics"
	"solar-cloud/internal/telemetry/application/events"
	telemetry "solar-cloud/internal/telemetry/domain"
	"solar-cloud/internal/telemetry/parser"
)

const (
	defaultNamespace      = "solar"
	defaultPersistTimeout = 5 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	deviceQueueSize       = 16
)

// Coordinator routes broker messages to the parsers, persists the results
// and publishes one event per stored record. Messages for different devices
// are handled on independent queues; entries inside one message stay in
// payload order.
type Coordinator struct {
	namespace string
	registry  *factors.Registry
	readings  telemetry.PowerReadingRepository
	fixes     telemetry.GpsFixRepository
	bus       eventing.EventBus
	logger    *log.Logger

	persistTimeout time.Duration
	idleTimeout    time.Duration

	mu      sync.Mutex
	queues  map[string]chan envelope
	closed  bool
	workers sync.WaitGroup

	now func() time.Time
}

type envelope struct {
	kind    string
	payload []byte
}

// CoordinatorOption configures the coordinator.
type CoordinatorOption func(*Coordinator)

// WithNamespace overrides the default topic namespace.
func WithNamespace(namespace string) CoordinatorOption {
	return func(c *Coordinator) {
		if namespace != "" {
			c.namespace = namespace
		}
	}
}

// WithPersistTimeout bounds a single persistence write.
func WithPersistTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.persistTimeout = timeout
		}
	}
}

// WithIdleTimeout overrides how long a quiet device keeps its worker.
func WithIdleTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.idleTimeout = timeout
		}
	}
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(
	registry *factors.Registry,
	readings telemetry.PowerReadingRepository,
	fixes telemetry.GpsFixRepository,
	bus eventing.EventBus,
	logger *log.Logger,
	opts ...CoordinatorOption,
) (*Coordinator, error) {
	if registry == nil {
		return nil, errors.New("ingest: nil factor registry")
	}
	if readings == nil {
		return nil, errors.New("ingest: nil reading repository")
	}
	if fixes == nil {
		return nil, errors.New("ingest: nil gps repository")
	}
	if bus == nil {
		return nil, errors.New("ingest: nil event bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		namespace:      defaultNamespace,
		registry:       registry,
		readings:       readings,
		fixes:          fixes,
		bus:            bus,
		logger:         logger,
		persistTimeout: defaultPersistTimeout,
		idleTimeout:    defaultIdleTimeout,
		queues:         make(map[string]chan envelope),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Namespace returns the topic namespace this coordinator routes.
func (c *Coordinator) Namespace() string {
	return c.namespace
}

// HandleMessage accepts one raw broker message. Routing failures are logged
// and dropped; they never propagate to the subscription. The message is
// handed to the owning device queue so a slow write for one device cannot
// delay the others.
func (c *Coordinator) HandleMessage(topic string, payload []byte) {
	deviceID, kind, err := parseTopic(c.namespace, topic)
	if err != nil {
		c.logger.Printf("ingest: dropped message: %v", err)
		metrics.IncIngestError("malformed_topic")
		return
	}

	// The enqueue stays under the mutex: Close and idle retirement take the
	// same lock, so the queue cannot be closed or removed mid-send.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	queue, ok := c.queues[deviceID]
	if !ok {
		queue = make(chan envelope, deviceQueueSize)
		c.queues[deviceID] = queue
		c.workers.Add(1)
		go c.runWorker(deviceID, queue)
	}
	select {
	case queue <- envelope{kind: kind, payload: payload}:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		// The device queue is saturated. Dropping here keeps one slow
		// device from stalling the broker callback; redelivery is the
		// broker's job.
		c.logger.Printf("ingest: device %s queue full, dropped %s message", deviceID, kind)
		metrics.IncIngestError("queue_full")
	}
}

func (c *Coordinator) runWorker(deviceID string, queue chan envelope) {
	defer c.workers.Done()
	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case env, ok := <-queue:
			if !ok {
				return
			}
			c.process(deviceID, env.kind, env.payload)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idleTimeout)
		case <-idle.C:
			// Retire the queue for a quiet device so arbitrary device ids
			// in topics cannot grow the table without bound. Checked under
			// the enqueue mutex; an emptiness check keeps a message that
			// arrived since the last receive from being stranded.
			c.mu.Lock()
			if !c.closed && len(queue) == 0 {
				delete(c.queues, deviceID)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(c.idleTimeout)
		}
	}
}

// Close drains the device queues and stops the workers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, queue := range c.queues {
		close(queue)
	}
	c.mu.Unlock()
	c.workers.Wait()
}

func (c *Coordinator) process(deviceID, kind string, payload []byte) {
	start := time.Now()
	result := metrics.IngestResultSuccess
	defer func() {
		metrics.ObserveIngest(kind, result, time.Since(start))
	}()

	switch kind {
	case kindData:
		result = c.processPower(deviceID, payload)
	case kindGps:
		result = c.processGps(deviceID, payload)
	}
}

func (c *Coordinator) processPower(deviceID string, payload []byte) string {
	deviceFactors := c.registry.Get(deviceID)
	parsed := parser.ParsePower(deviceID, payload, deviceFactors)
	metrics.AddEntryErrors(deviceID, len(parsed.Errors))

	if len(parsed.Readings) == 0 {
		c.logger.Printf("ingest: device %s: no valid entries in payload: %v", deviceID, parsed.Errors)
		metrics.IncIngestError("empty_batch")
		return metrics.IngestResultError
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()
	if err := c.readings.UpsertReadings(ctx, parsed.Readings); err != nil {
		c.logger.Printf("ingest: device %s: persist error (batch=%d): %v", deviceID, len(parsed.Readings), err)
		metrics.IncIngestError("persist")
		return metrics.IngestResultError
	}

	occurredAt := c.now()
	for _, reading := range parsed.Readings {
		event := events.PowerReadingReceived{
			DeviceID:   deviceID,
			Reading:    reading,
			BatchSize:  len(parsed.Readings),
			OccurredAt: occurredAt,
		}
		if err := c.bus.Publish(context.Background(), event); err != nil {
			c.logger.Printf("ingest: device %s: publish error: %v", deviceID, err)
		}
	}

	if len(parsed.Errors) > 0 {
		c.logger.Printf("ingest: device %s: stored %d entries, rejected %d: %v",
			deviceID, len(parsed.Readings), len(parsed.Errors), parsed.Errors)
		return metrics.IngestResultPartial
	}
	return metrics.IngestResultSuccess
}

func (c *Coordinator) processGps(deviceID string, payload []byte) string {
	fix := parser.ParseGps(deviceID, payload, c.now())
	if fix == nil {
		c.logger.Printf("ingest: device %s: invalid gps payload", deviceID)
		metrics.IncIngestError("invalid_gps")
		return metrics.IngestResultError
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()
	if err := c.fixes.UpsertFix(ctx, *fix); err != nil {
		c.logger.Printf("ingest: device %s: gps persist error: %v", deviceID, err)
		metrics.IncIngestError("persist")
		return metrics.IngestResultError
	}

	event := events.GpsFixReceived{
		DeviceID:   deviceID,
		Fix:        *fix,
		OccurredAt: c.now(),
	}
	if err := c.bus.Publish(context.Background(), event); err != nil {
		c.logger.Printf("ingest: device %s: publish error: %v", deviceID, err)
	}
	return metrics.IngestResultSuccess
}
