package transfers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/flowpbx/transferd/internal/ari"
	"github.com/flowpbx/transferd/internal/bus"
	"github.com/flowpbx/transferd/internal/varstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeControl is an in-memory telephony engine. Channels missing from the
// channels map are gone and answer with ari.ErrNotFound.
type fakeControl struct {
	mu sync.Mutex

	channels    map[string]*ari.Channel
	notInStasis map[string]bool
	bridges     map[string]*ari.Bridge
	vars        map[string]map[string]string
	mohClasses  map[string]bool

	mohErr       error
	originateErr error
	redirectErr  error

	setVarByNameErr error

	originated []ari.OriginateRequest
	redirects  [][]string
	calls      []string
	nextID     int
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		channels:    map[string]*ari.Channel{},
		notInStasis: map[string]bool{},
		bridges:     map[string]*ari.Bridge{},
		vars:        map[string]map[string]string{},
		mohClasses:  map[string]bool{"default": true},
	}
}

func (f *fakeControl) addChannel(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = &ari.Channel{ID: id, Name: name, State: ari.ChannelStateUp}
}

func (f *fakeControl) addBridge(id string, channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges[id] = &ari.Bridge{ID: id, Channels: slices.Clone(channels)}
}

// kill removes a channel without emitting any event.
func (f *fakeControl) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *fakeControl) removeLocked(id string) {
	delete(f.channels, id)
	for _, b := range f.bridges {
		b.Channels = slices.DeleteFunc(b.Channels, func(c string) bool { return c == id })
	}
}

func (f *fakeControl) record(op, id string) {
	f.calls = append(f.calls, op+" "+id)
}

func (f *fakeControl) called(op, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.calls, op+" "+id)
}

func (f *fakeControl) bridgeChannels(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bridges[id]
	if !ok {
		return nil
	}
	return slices.Clone(b.Channels)
}

func (f *fakeControl) channelVar(ch, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[ch][name]
}

func (f *fakeControl) channelOp(op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(op, id)
	if _, ok := f.channels[id]; !ok {
		return fmt.Errorf("%w: channel %s", ari.ErrNotFound, id)
	}
	return nil
}

func (f *fakeControl) Mute(_ context.Context, id, _ string) error   { return f.channelOp("mute", id) }
func (f *fakeControl) Unmute(_ context.Context, id, _ string) error { return f.channelOp("unmute", id) }
func (f *fakeControl) Hold(_ context.Context, id string) error      { return f.channelOp("hold", id) }
func (f *fakeControl) Unhold(_ context.Context, id string) error    { return f.channelOp("unhold", id) }
func (f *fakeControl) StartMoh(_ context.Context, id, _ string) error {
	return f.channelOp("start_moh", id)
}
func (f *fakeControl) StopMoh(_ context.Context, id string) error { return f.channelOp("stop_moh", id) }
func (f *fakeControl) StartSilence(_ context.Context, id string) error {
	return f.channelOp("start_silence", id)
}
func (f *fakeControl) StopSilence(_ context.Context, id string) error {
	return f.channelOp("stop_silence", id)
}
func (f *fakeControl) Ring(_ context.Context, id string) error     { return f.channelOp("ring", id) }
func (f *fakeControl) RingStop(_ context.Context, id string) error { return f.channelOp("ring_stop", id) }

// SetChannelVar answers ari.ErrNotInStasis for channels outside the
// application, like ARI does.
func (f *fakeControl) SetChannelVar(_ context.Context, id, name, value string) error {
	if err := f.channelOp("set_var", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notInStasis[id] {
		return fmt.Errorf("%w: channel %s", ari.ErrNotInStasis, id)
	}
	f.setVarLocked(id, name, value)
	return nil
}

func (f *fakeControl) setVarLocked(id, name, value string) {
	if f.vars[id] == nil {
		f.vars[id] = map[string]string{}
	}
	f.vars[id][name] = value
}

// SetVarByName resolves the channel by name, as the manager interface does.
func (f *fakeControl) SetVarByName(_ context.Context, channelName, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ami_set_var", channelName)
	if f.setVarByNameErr != nil {
		return f.setVarByNameErr
	}
	for id, ch := range f.channels {
		if ch.Name == channelName {
			f.setVarLocked(id, name, value)
			return nil
		}
	}
	return fmt.Errorf("%w: channel %s", ari.ErrNotFound, channelName)
}

// callIndex returns the position of the first op on id, or -1.
func (f *fakeControl) callIndex(op, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Index(f.calls, op+" "+id)
}

func (f *fakeControl) GetChannelVar(_ context.Context, id, name string) (string, error) {
	if err := f.channelOp("get_var", id); err != nil {
		return "", err
	}
	return f.channelVar(id, name), nil
}

func (f *fakeControl) Hangup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hangup", id)
	if _, ok := f.channels[id]; !ok {
		return fmt.Errorf("%w: channel %s", ari.ErrNotFound, id)
	}
	f.removeLocked(id)
	return nil
}

func (f *fakeControl) GetChannel(_ context.Context, id string) (ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return ari.Channel{}, fmt.Errorf("%w: channel %s", ari.ErrNotFound, id)
	}
	return *ch, nil
}

func (f *fakeControl) ChannelExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[id]
	return ok, nil
}

func (f *fakeControl) Originate(_ context.Context, req ari.OriginateRequest) (ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("originate", req.Endpoint)
	if f.originateErr != nil {
		return ari.Channel{}, f.originateErr
	}
	f.nextID++
	ch := &ari.Channel{ID: fmt.Sprintf("recipient-%d", f.nextID), Name: "Local/" + req.Endpoint, State: ari.ChannelStateDown}
	f.channels[ch.ID] = ch
	f.originated = append(f.originated, req)
	return *ch, nil
}

func (f *fakeControl) CreateBridge(_ context.Context, id, name string) (ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_bridge", id)
	b := &ari.Bridge{ID: id, Name: name, BridgeType: "mixing"}
	f.bridges[id] = b
	return *b, nil
}

func (f *fakeControl) GetBridge(_ context.Context, id string) (ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bridges[id]
	if !ok {
		return ari.Bridge{}, fmt.Errorf("%w: bridge %s", ari.ErrNotFound, id)
	}
	out := *b
	out.Channels = slices.Clone(b.Channels)
	return out, nil
}

func (f *fakeControl) ListBridges(_ context.Context) ([]ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ari.Bridge, 0, len(f.bridges))
	for _, b := range f.bridges {
		c := *b
		c.Channels = slices.Clone(b.Channels)
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeControl) AddChannelToBridge(_ context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add_to_bridge", channelID)
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", ari.ErrNotFound, channelID)
	}
	if f.notInStasis[channelID] {
		return fmt.Errorf("%w: channel %s", ari.ErrNotInStasis, channelID)
	}
	b, ok := f.bridges[bridgeID]
	if !ok {
		return fmt.Errorf("%w: bridge %s", ari.ErrNotFound, bridgeID)
	}
	for _, other := range f.bridges {
		other.Channels = slices.DeleteFunc(other.Channels, func(c string) bool { return c == channelID })
	}
	b.Channels = append(b.Channels, channelID)
	return nil
}

func (f *fakeControl) DestroyBridge(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_bridge", id)
	if _, ok := f.bridges[id]; !ok {
		return fmt.Errorf("%w: bridge %s", ari.ErrNotFound, id)
	}
	delete(f.bridges, id)
	return nil
}

func (f *fakeControl) Redirect(_ context.Context, channelName, dialContext, exten, extra string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("redirect", channelName)
	if f.redirectErr != nil {
		return f.redirectErr
	}
	f.redirects = append(f.redirects, []string{channelName, dialContext, exten, extra})
	return nil
}

func (f *fakeControl) MohClassExists(_ context.Context, class string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mohErr != nil {
		return false, f.mohErr
	}
	return f.mohClasses[class], nil
}

// recordingPublisher keeps every published message.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Name
	}
	return out
}

func (p *recordingPublisher) statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Data.(Public).Status
	}
	return out
}

// harness wires a full coordinator around a fake engine. The transferred
// party and the initiator start in stasis, talking in "call-bridge".
type harness struct {
	control   *fakeControl
	store     *varstore.MemoryStore
	pub       *recordingPublisher
	persistor *Persistor
	locks     *Locks
	machine   *Machine
	router    *Router
	service   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()

	control := newFakeControl()
	control.addChannel("transferred", "PJSIP/alice-00000001")
	control.addChannel("initiator", "PJSIP/bob-00000002")
	control.addBridge("call-bridge", "transferred", "initiator")

	store := varstore.NewMemoryStore()
	pub := &recordingPublisher{}
	persistor := NewPersistor(store, logger)
	locks := NewLocks(store, control, logger)
	notifier := NewNotifier(pub, logger)
	machine := NewMachine(MachineConfig{App: "transferd", MohClass: "default"}, control, store, persistor, locks, notifier, logger)

	return &harness{
		control:   control,
		store:     store,
		pub:       pub,
		persistor: persistor,
		locks:     locks,
		machine:   machine,
		router:    NewRouter(machine, 16, logger),
		service: NewService(ServiceConfig{
			ConvertContext: "convert_to_stasis",
			ConvertExten:   "transfer",
			DefaultTimeout: 30,
		}, machine, logger),
	}
}

func (h *harness) create(t *testing.T, flow Flow) *Transfer {
	t.Helper()
	tr, err := h.service.Create(context.Background(), CreateRequest{
		TransferredCall:     "transferred",
		InitiatorCall:       "initiator",
		Context:             "default",
		Exten:               "1003",
		Flow:                flow,
		InitiatorUUID:       "user-1",
		InitiatorTenantUUID: "tenant-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	tr, err := h.persistor.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return tr.Status
}

func (h *harness) requireGone(t *testing.T, id string) {
	t.Helper()
	_, err := h.persistor.Get(context.Background(), id)
	if err == nil {
		t.Fatalf("transfer %s still persisted", id)
	}
	all, err := h.persistor.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, tr := range all {
		if tr.ID == id {
			t.Fatalf("transfer %s still indexed", id)
		}
	}
}

func recipientAnswered(id, channelID string) ari.StasisStart {
	return ari.StasisStart{
		Channel: ari.Channel{
			ID:     channelID,
			State:  ari.ChannelStateUp,
			Caller: ari.CallerID{Name: "Carol", Number: "1003"},
		},
		Args: []string{stasisApp, subAppRecipientCalled, id},
	}
}

func requireNames(t *testing.T, got []string, want ...string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("published %v, want %v", got, want)
	}
}
