// Package link drives one BLE peripheral role through choose, connect,
// discover and subscribe, and tears everything down again on failure or
// link loss.
package link

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
)

// session is one connection attempt and, if it succeeds, the connection itself.
// A retired session never changes manager state again.
type session struct {
	id      uuid.UUID
	cancel  context.CancelFunc
	device  bt.Device
	retired bool
	closing bool
	// cause is what retired the session while its attempt was still running
	cause *Error

	removeListener func()
	subscribed     []bt.Characteristic
}

// Manager owns the connection to a single peripheral role
type Manager struct {
	chooser   bt.Chooser
	profile   Profile
	callbacks Callbacks
	opts      Options
	logger    logrus.FieldLogger

	mu         sync.Mutex
	state      State
	session    *session
	deviceName string
	address    string
	plan       string
	handles    *orderedmap.OrderedMap[string, bt.Characteristic]
	lastErr    *Error

	parseFailures atomic.Int64
	stateEvent    *events.CallbackEvent[StateChange]
}

// NewManager creates a manager for profile. Nothing happens until ScanAndConnect.
func NewManager(chooser bt.Chooser, profile Profile, callbacks Callbacks, opts Options, logger logrus.FieldLogger) *Manager {
	if chooser == nil {
		panic("link.NewManager: chooser cannot be nil")
	}
	if logger == nil {
		panic("link.NewManager: logger cannot be nil")
	}
	if len(profile.Plans) == 0 {
		panic("link.NewManager: profile needs at least one plan")
	}
	return &Manager{
		chooser:    chooser,
		profile:    profile,
		callbacks:  callbacks,
		opts:       opts,
		logger:     logger.WithFields(logrus.Fields{"component": "link", "role": profile.Role}),
		state:      Disconnected,
		stateEvent: events.NewCallbackEvent[StateChange](true),
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceName returns the name of the chosen device, empty before the first choice
func (m *Manager) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceName
}

// DeviceAddress returns the address of the chosen device
func (m *Manager) DeviceAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// ActivePlan returns the name of the plan in use while connected
func (m *Manager) ActivePlan() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return ""
	}
	return m.plan
}

// LastError returns the failure that put the manager into Failed, if any
func (m *Manager) LastError() *Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ParseFailures counts notifications the role could not decode
func (m *Manager) ParseFailures() int64 {
	return m.parseFailures.Load()
}

// Characteristic returns a bound characteristic. Handles exist only while Connected.
func (m *Manager) Characteristic(charUUID string) (bt.Characteristic, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.handles == nil {
		return nil, false
	}
	return m.handles.Get(strings.ToLower(charUUID))
}

// Bound lists the characteristics bound by the active plan, in binding order
func (m *Manager) Bound() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.handles == nil {
		return nil
	}
	out := make([]string, 0, m.handles.Len())
	for pair := m.handles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// OnStateChange registers fn for every transition; it is called at once with
// the latest change if there was one. The returned function unregisters it.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	return m.stateEvent.Listen(fn)
}

// ReportError logs err and passes its user message to OnErrorMessage.
// It does not change state.
func (m *Manager) ReportError(err *Error) {
	if err == nil {
		return
	}
	m.logger.WithError(err).Warn(err.UserMessage())
	m.errorMessage(err.UserMessage())
}

// ScanAndConnect runs one full connection attempt. While an attempt is in
// flight or a device is connected it only reports status and returns nil.
// Cancelling ctx cancels the attempt.
func (m *Manager) ScanAndConnect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.state.InFlight():
		m.mu.Unlock()
		m.logger.Debug("Connection already in progress")
		m.successMessage("Connection already in progress")
		return nil
	case m.state == Connected:
		name := m.deviceName
		m.mu.Unlock()
		m.successMessage("Already connected to " + name)
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := &session{id: uuid.New(), cancel: cancel}
	m.session = sess
	m.lastErr = nil
	change := m.setStateLocked(sess, Scanning, nil)
	m.mu.Unlock()
	m.stateEvent.Notify(change)

	log := m.logger.WithField("session", sess.id.String())
	log.Info("Looking for device")

	if err := m.connect(attemptCtx, sess, log); err != nil {
		return m.fail(sess, err, log)
	}
	return nil
}

// Disconnect closes the connection or aborts an attempt in flight. It is a
// no-op when already disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	state, sess := m.state, m.session
	m.mu.Unlock()

	switch {
	case state == Disconnected:
		return nil
	case state == Connected && sess != nil && sess.device != nil && sess.device.IsConnected():
		m.logger.Info("Disconnecting")
		m.mu.Lock()
		sess.closing = true
		m.mu.Unlock()
		err := sess.device.Disconnect()
		if err != nil {
			m.logger.WithError(err).Warn("Disconnect reported an error")
		}
		// the platform usually reports the disconnect itself; this covers stacks that don't
		m.linkLost(sess, false)
		if err != nil {
			return Classify(OpDisconnect, err)
		}
		return nil
	default:
		m.reset()
		return nil
	}
}

func (m *Manager) connect(ctx context.Context, sess *session, log logrus.FieldLogger) error {
	device, err := m.chooser.Choose(ctx, m.profile.Filter)
	if err != nil {
		return Classify(OpChoose, err)
	}

	m.mu.Lock()
	if m.session != sess || sess.retired {
		m.mu.Unlock()
		return errAborted
	}
	sess.device = device
	m.deviceName = device.Name()
	m.address = device.Address()
	m.mu.Unlock()

	log = log.WithField("device", device.Name())
	log.WithField("address", device.Address()).Info("Device chosen")

	// registered before Connect so a drop during setup is seen
	remove := device.OnDisconnect(func() { m.linkLost(sess, true) })
	m.mu.Lock()
	sess.removeListener = remove
	m.mu.Unlock()

	if !m.transition(sess, Connecting) {
		return errAborted
	}

	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	if err := device.Connect(ctx); err != nil {
		return Classify(OpConnect, err)
	}
	if !device.IsConnected() {
		return &Error{Kind: ConnectFailure, Op: OpConnect, Err: bt.ErrNotConnected}
	}

	if !m.transition(sess, Discovering) {
		return errAborted
	}

	plan, svc, err := m.selectPlan(ctx, device)
	if err != nil {
		return Classify(OpDiscover, err)
	}
	log = log.WithField("plan", plan.Name)

	handles := orderedmap.New[string, bt.Characteristic]()
	for _, binding := range plan.Characteristics {
		if err := m.bind(ctx, sess, svc, binding, handles); err != nil {
			if !binding.Optional {
				return err
			}
			log.WithError(err).Debugf("Optional characteristic %s unavailable", binding.UUID)
		}
	}

	for _, extra := range plan.Extras {
		m.bindExtra(ctx, sess, device, extra, handles, log)
	}

	if err := ctx.Err(); err != nil {
		return Classify(OpDiscover, err)
	}

	m.mu.Lock()
	if m.session != sess || sess.retired {
		m.mu.Unlock()
		return errAborted
	}
	m.handles = handles
	m.plan = plan.Name
	name := m.deviceName
	change := m.setStateLocked(sess, Connected, nil)
	m.mu.Unlock()
	m.stateEvent.Notify(change)

	log.WithField("characteristics", handles.Len()).Info("Connected")
	if m.callbacks.OnDeviceConnected != nil {
		m.callbacks.OnDeviceConnected(name)
	}
	m.successMessage("Connected to " + name)
	return nil
}

// selectPlan returns the first plan whose primary service exists
func (m *Manager) selectPlan(ctx context.Context, device bt.Device) (Plan, bt.Service, error) {
	tried := make([]string, 0, len(m.profile.Plans))
	for _, plan := range m.profile.Plans {
		svc, err := device.Service(ctx, plan.Service)
		if err == nil {
			return plan, svc, nil
		}
		var notFound *bt.NotFoundError
		if !errors.As(err, &notFound) {
			return Plan{}, nil, err
		}
		m.logger.WithField("plan", plan.Name).Debug("Service not offered")
		tried = append(tried, plan.Service)
	}
	return Plan{}, nil, &bt.NotFoundError{Resource: "service", UUID: strings.Join(tried, ", ")}
}

func (m *Manager) bind(ctx context.Context, sess *session, svc bt.Service, binding Binding,
	handles *orderedmap.OrderedMap[string, bt.Characteristic]) error {

	char, err := svc.Characteristic(ctx, binding.UUID)
	if err != nil {
		return Classify(OpDiscover, err)
	}
	if binding.Notify != nil {
		if err := char.EnableNotifications(m.notifier(sess, binding)); err != nil {
			return Classify(OpSubscribe, err)
		}
		m.mu.Lock()
		sess.subscribed = append(sess.subscribed, char)
		m.mu.Unlock()
	}
	handles.Set(strings.ToLower(binding.UUID), char)
	return nil
}

func (m *Manager) bindExtra(ctx context.Context, sess *session, device bt.Device, extra ServiceBinding,
	handles *orderedmap.OrderedMap[string, bt.Characteristic], log logrus.FieldLogger) {

	svc, err := device.Service(ctx, extra.Service)
	if err != nil {
		log.WithError(err).Debugf("Optional service %s unavailable", extra.Service)
		return
	}
	for _, binding := range extra.Characteristics {
		if err := m.bind(ctx, sess, svc, binding, handles); err != nil {
			log.WithError(err).Debugf("Optional characteristic %s unavailable", binding.UUID)
		}
	}
}

// notifier gates delivery on the session being the live, connected one. No
// manager lock is held while Notify runs, so role callbacks may call back in.
func (m *Manager) notifier(sess *session, binding Binding) func([]byte) {
	return func(buf []byte) {
		m.mu.Lock()
		live := m.session == sess && !sess.retired && m.state == Connected
		m.mu.Unlock()
		if !live {
			return
		}

		if err := binding.Notify(buf); err != nil {
			m.parseFailures.Add(1)
			m.logger.WithFields(logrus.Fields{
				"characteristic": binding.UUID,
				"bytes":          len(buf),
			}).WithError(Classify(OpNotify, err)).Warn("Dropping notification")
		}
	}
}

// fail tears down a failed attempt. Cancellation ends in Disconnected,
// everything else in Failed.
func (m *Manager) fail(sess *session, err error, log logrus.FieldLogger) error {
	classified := Classify(OpConnect, err)

	m.mu.Lock()
	current := m.session == sess && !sess.retired
	if !current && sess.cause != nil {
		classified = sess.cause
	}
	sess.retired = true
	var change StateChange
	if current {
		m.handles = nil
		m.plan = ""
		target := Failed
		if classified.Kind == UserCancelled {
			target = Disconnected
		} else {
			m.lastErr = classified
		}
		change = m.setStateLocked(sess, target, classified)
		m.session = nil
	}
	m.mu.Unlock()
	if current && m.profile.OnReset != nil {
		m.profile.OnReset()
	}

	m.teardown(sess, true, log)

	if !current {
		log.WithError(err).Debug("Attempt ended after it was retired")
		return classified
	}

	m.stateEvent.Notify(change)
	if classified.Kind == UserCancelled {
		log.Info(classified.UserMessage())
		if errors.Is(classified, bt.ErrScanInProgress) {
			m.successMessage(classified.UserMessage())
		}
		return classified
	}
	log.WithError(err).Warn("Connection attempt failed")
	m.errorMessage(classified.UserMessage())
	return classified
}

// linkLost handles a disconnect of sess. Events for retired sessions and
// repeated events are ignored.
func (m *Manager) linkLost(sess *session, unsolicited bool) {
	m.mu.Lock()
	if m.session != sess || sess.retired || m.state == Disconnected || m.state == Failed {
		m.mu.Unlock()
		return
	}
	unsolicited = unsolicited && !sess.closing
	sess.retired = true
	from := m.state
	name := m.deviceName
	m.handles = nil
	m.plan = ""
	var cause *Error
	if unsolicited {
		cause = &Error{Kind: UnsolicitedDisconnect, Op: OpDisconnect, Err: bt.ErrNotConnected}
		sess.cause = cause
	}
	change := m.setStateLocked(sess, Disconnected, cause)
	m.session = nil
	m.mu.Unlock()
	if m.profile.OnReset != nil {
		m.profile.OnReset()
	}

	sess.cancel()
	log := m.logger.WithFields(logrus.Fields{"session": sess.id.String(), "device": name})
	m.teardown(sess, false, log)

	m.stateEvent.Notify(change)
	if unsolicited {
		log.WithField("from", from.String()).Warn("Device disconnected")
	} else {
		log.Info("Disconnected")
	}
	if m.callbacks.OnDeviceDisconnected != nil {
		m.callbacks.OnDeviceDisconnected(name)
	}
}

// reset forces Disconnected from any state, aborting an attempt in flight
func (m *Manager) reset() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	sess := m.session
	if sess != nil {
		sess.retired = true
		sess.cause = &Error{Kind: UserCancelled, Op: OpConnect, Err: errAborted}
	}
	from := m.state
	name := m.deviceName
	m.handles = nil
	m.plan = ""
	m.lastErr = nil
	change := m.setStateLocked(sess, Disconnected, nil)
	m.session = nil
	m.mu.Unlock()
	if m.profile.OnReset != nil {
		m.profile.OnReset()
	}

	log := m.logger.WithField("from", from.String())
	if sess != nil {
		sess.cancel()
		m.teardown(sess, true, log.WithField("session", sess.id.String()))
	}
	m.stateEvent.Notify(change)
	log.Info("Reset")

	if from == Connected && m.callbacks.OnDeviceDisconnected != nil {
		m.callbacks.OnDeviceDisconnected(name)
	}
}

// teardown releases everything a session acquired. It runs without locks held
// because Device.Disconnect may fire the disconnect listener synchronously.
func (m *Manager) teardown(sess *session, disconnect bool, log logrus.FieldLogger) {
	m.mu.Lock()
	subscribed := sess.subscribed
	sess.subscribed = nil
	remove := sess.removeListener
	sess.removeListener = nil
	device := sess.device
	m.mu.Unlock()

	for _, char := range subscribed {
		if err := char.DisableNotifications(); err != nil {
			log.WithError(err).Debugf("Could not disable notifications on %s", char.UUID())
		}
	}
	if remove != nil {
		remove()
	}
	if disconnect && device != nil && device.IsConnected() {
		if err := device.Disconnect(); err != nil {
			log.WithError(err).Debug("Disconnect during cleanup failed")
		}
	}
}

func (m *Manager) transition(sess *session, to State) bool {
	m.mu.Lock()
	if m.session != sess || sess.retired {
		m.mu.Unlock()
		return false
	}
	change := m.setStateLocked(sess, to, nil)
	m.mu.Unlock()
	m.stateEvent.Notify(change)
	return true
}

func (m *Manager) setStateLocked(sess *session, to State, cause *Error) StateChange {
	change := StateChange{
		Role:   m.profile.Role,
		From:   m.state,
		To:     to,
		Device: m.deviceName,
	}
	if cause != nil {
		change.Err = cause
	}
	if sess != nil {
		change.Session = sess.id
	}
	m.state = to
	m.logger.WithFields(logrus.Fields{"from": change.From.String(), "to": to.String()}).Debug("State change")
	return change
}

func (m *Manager) successMessage(msg string) {
	if m.callbacks.OnSuccessMessage != nil {
		m.callbacks.OnSuccessMessage(msg)
	}
}

func (m *Manager) errorMessage(msg string) {
	if m.callbacks.OnErrorMessage != nil {
		m.callbacks.OnErrorMessage(msg)
	}
}
