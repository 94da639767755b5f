package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leafo/blackkeys/internal/assert"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/catalog/catalogtest"
	"github.com/leafo/blackkeys/internal/metrics"
	"github.com/leafo/blackkeys/internal/packet"
	"github.com/leafo/blackkeys/internal/selection"
	"github.com/leafo/blackkeys/internal/testutils"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	devA = 1
	devB = 2
	devC = 3

	busX = 100
	busY = 101
)

var (
	epA = catalogtest.Physical(devA, "Keys A")
	epB = catalogtest.Physical(devB, "Keys B")
	epC = catalogtest.Physical(devC, "Keys C")
	epX = catalogtest.Bus(busX, "Bus X")
	epY = catalogtest.Bus(busY, "Bus Y")
)

type testHarness struct {
	t     *testing.T
	tr    *catalogtest.Transport
	state *selection.State
	stats *metrics.Stats
	c     *Controller
}

func newHarness(t *testing.T) *testHarness {
	tr := catalogtest.New()
	state := selection.New(selection.NewMemStore())
	return &testHarness{t: t, tr: tr, state: state, stats: metrics.New()}
}

// start creates the controller and runs the initial reconciliation, like a
// process start.
func (h *testHarness) start() *Controller {
	h.t.Helper()
	log := testutils.TestLoggerSys(h.t, "ROUT")
	h.c = New(Config{
		Catalog:   catalog.New(catalog.Config{Transport: h.tr, Log: log}),
		Transport: h.tr,
		State:     h.state,
		Stats:     h.stats,
		Log:       log,
	})
	assert.NilErr(h.t, h.c.Start())
	return h.c
}

func (h *testHarness) persistedInputs() ([]catalog.DeviceID, bool) {
	h.t.Helper()
	ids, ok, err := h.state.Inputs()
	assert.NilErr(h.t, err)
	return ids.Slice(), ok
}

func ids(v ...catalog.DeviceID) []catalog.DeviceID { return v }

func noteOn(key, vel uint8) packet.Event {
	return packet.Event{Timestamp: 7, Data: []byte{0x90, key, vel}}
}

func TestFirstScanSelectsAllWithoutPersistedState(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB, epC)
	c := h.start()

	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devB, devC))
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devB, devC))
	assert.DeepEqual(t, testutil.ToFloat64(h.stats.ConnectedInputs), 3.0)
}

func TestFirstScanRestoresPersistedSelection(t *testing.T) {
	h := newHarness(t)
	assert.NilErr(t, h.state.SetInputs(catalog.NewIDSet(devA)))
	h.tr.SetSources(epA, epB, epC)
	c := h.start()

	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA))
	assert.DeepEqual(t, h.tr.Connected(), ids(devA))
}

func TestFirstScanHonorsEmptyPersistedSelection(t *testing.T) {
	h := newHarness(t)
	assert.NilErr(t, h.state.SetInputs(catalog.IDSet{}))
	h.tr.SetSources(epA, epB)
	c := h.start()

	assert.DeepEqual(t, len(c.SelectedInputDevices()), 0)
	assert.DeepEqual(t, len(h.tr.Connected()), 0)
}

func TestFirstScanKeepsAbsentPersistedDevices(t *testing.T) {
	h := newHarness(t)
	assert.NilErr(t, h.state.SetInputs(catalog.NewIDSet(devA, devC)))
	h.tr.SetSources(epA, epB)
	c := h.start()

	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devC))
	assert.DeepEqual(t, h.tr.Connected(), ids(devA))

	// C shows up later: it is selected already, so it gets connected.
	h.tr.SetSources(epA, epB, epC)
	c.TopologyChanged()
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devC))
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devC))
}

func TestHotPlugAdoptsNewDevices(t *testing.T) {
	h := newHarness(t)
	assert.NilErr(t, h.state.SetInputs(catalog.NewIDSet(devA)))
	h.tr.SetSources(epA, epB)
	c := h.start()
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA))

	h.tr.SetSources(epA, epB, epC)
	c.TopologyChanged()

	// B was known and not selected, so only C is adopted.
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devC))
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devC))
	persisted, ok := h.persistedInputs()
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, persisted, ids(devA, devC))
}

func TestReappearanceIsNotReadoption(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB)
	c := h.start()

	// C is plugged in and adopted.
	h.tr.SetSources(epA, epB, epC)
	c.TopologyChanged()
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devB, devC))

	// The user deselects C.
	change, err := c.ToggleInputDevice(devC)
	assert.NilErr(t, err)
	assert.DeepEqual(t, change.Removed, ids(devC))
	assert.DeepEqual(t, len(change.Added), 0)
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devB))

	// C is unplugged and plugged back.
	h.tr.SetSources(epA, epB)
	c.TopologyChanged()
	h.tr.SetSources(epA, epB, epC)
	c.TopologyChanged()

	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devB))
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devB))
	persisted, _ := h.persistedInputs()
	assert.DeepEqual(t, persisted, ids(devA, devB))
}

func TestUnpluggedSelectionIsKept(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB)
	c := h.start()

	h.tr.SetSources(epB)
	c.TopologyChanged()
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devB))
	assert.DeepEqual(t, h.tr.Connected(), ids(devB))
	assert.DeepEqual(t, h.tr.Disconnects(), ids(devA))

	h.tr.SetSources(epA, epB)
	c.TopologyChanged()
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devB))
	assert.DeepEqual(t, h.tr.Connects(), ids(devA, devB, devA))
}

func TestReconcileDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB)
	c := h.start()
	c.TopologyChanged()
	c.TopologyChanged()

	assert.DeepEqual(t, h.tr.Connects(), ids(devA, devB))
	assert.DeepEqual(t, len(h.tr.Disconnects()), 0)
	assert.DeepEqual(t, testutil.ToFloat64(h.stats.Reconciles), 3.0)
}

func TestSetSelectedInputDevices(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB, epC)
	assert.NilErr(t, h.state.SetInputs(catalog.NewIDSet(devA, devB)))
	c := h.start()

	change, err := c.SetSelectedInputDevices(ids(devB, devC))
	assert.NilErr(t, err)
	assert.DeepEqual(t, change.Added, ids(devC))
	assert.DeepEqual(t, change.Removed, ids(devA))
	assert.DeepEqual(t, h.tr.Connected(), ids(devB, devC))
	persisted, _ := h.persistedInputs()
	assert.DeepEqual(t, persisted, ids(devB, devC))

	// Setting the same selection again is a no-op.
	change, err = c.SetSelectedInputDevices(ids(devC, devB))
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(change.Added)+len(change.Removed), 0)
	assert.DeepEqual(t, h.tr.Connects(), ids(devA, devB, devC))
	assert.DeepEqual(t, h.tr.Disconnects(), ids(devA))
}

func TestSelectAbsentInputDevice(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA)
	c := h.start()

	_, err := c.SetSelectedInputDevices(ids(devA, devB))
	assert.NilErr(t, err)
	assert.DeepEqual(t, h.tr.Connected(), ids(devA))

	h.tr.SetSources(epA, epB)
	c.TopologyChanged()
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devB))
}

func TestOutputFallbackIsFirstEnumerated(t *testing.T) {
	h := newHarness(t)
	h.tr.SetDestinations(epX, epY)
	c := h.start()

	out, ok := c.SelectedOutputDevice()
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busX))

	// The fallback is not persisted.
	_, ok, err := h.state.Output()
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)
}

func TestOutputPersistedSelection(t *testing.T) {
	h := newHarness(t)
	h.tr.SetDestinations(epX, epY)
	assert.NilErr(t, h.state.SetOutput(busY))
	c := h.start()

	out, ok := c.SelectedOutputDevice()
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busY))
}

func TestOutputOnlyVirtualBuses(t *testing.T) {
	h := newHarness(t)
	h.tr.SetDestinations(catalogtest.Physical(50, "Synth"), epY)
	c := h.start()

	out, ok := c.SelectedOutputDevice()
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busY))

	err := c.SetSelectedOutputDevice(50)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestOutputPreferenceSurvivesAbsence(t *testing.T) {
	h := newHarness(t)
	h.tr.SetDestinations(epX)
	assert.NilErr(t, h.state.SetOutput(busY))
	c := h.start()

	out, _ := c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busX))

	h.tr.SetDestinations(epX, epY)
	c.TopologyChanged()
	out, _ = c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busY))

	persisted, ok, err := h.state.Output()
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, persisted, catalog.DeviceID(busY))
}

func TestOutputFallbackIsSticky(t *testing.T) {
	h := newHarness(t)
	h.tr.SetDestinations(epY)
	c := h.start()

	// A new bus listed first does not steal the active fallback.
	h.tr.SetDestinations(epX, epY)
	c.TopologyChanged()
	out, _ := c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busY))

	h.tr.SetDestinations(epX)
	c.TopologyChanged()
	out, _ = c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busX))

	h.tr.SetDestinations()
	c.TopologyChanged()
	_, ok := c.SelectedOutputDevice()
	assert.BoolIs(t, ok, false)
}

func TestSetSelectedOutputDevice(t *testing.T) {
	h := newHarness(t)
	h.tr.SetDestinations(epX, epY)
	c := h.start()

	assert.NilErr(t, c.SetSelectedOutputDevice(busY))
	out, _ := c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busY))
	persisted, ok, err := h.state.Output()
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, persisted, catalog.DeviceID(busY))

	err = c.SetSelectedOutputDevice(999)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	out, _ = c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busY))
}

func TestForwardScalesBlackKeys(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA)
	h.tr.SetDestinations(epX)
	c := h.start()
	assert.DeepEqual(t, c.VelocityScalePercent(), packet.DefaultPercent)

	ok := h.tr.Inject(devA, []packet.Event{noteOn(61, 100), noteOn(60, 100)})
	assert.BoolIs(t, ok, true)

	sent := h.tr.SentBatches()
	assert.DeepEqual(t, len(sent), 1)
	assert.DeepEqual(t, sent[0].Dst, catalog.DeviceID(busX))
	assert.DeepEqual(t, sent[0].Batch, []packet.Event{
		{Timestamp: 7, Data: []byte{0x90, 61, 83}},
		{Timestamp: 7, Data: []byte{0x90, 60, 100}},
	})
	assert.DeepEqual(t, testutil.ToFloat64(h.stats.NotesRewritten), 1.0)
	assert.DeepEqual(t, testutil.ToFloat64(h.stats.EventsForwarded), 2.0)
}

func TestSetVelocityScalePercent(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA)
	h.tr.SetDestinations(epX)
	c := h.start()

	assert.ErrorIs(t, c.SetVelocityScalePercent(0), ErrVelocityRange)
	assert.ErrorIs(t, c.SetVelocityScalePercent(101), ErrVelocityRange)
	assert.DeepEqual(t, c.VelocityScalePercent(), packet.DefaultPercent)

	assert.NilErr(t, c.SetVelocityScalePercent(50))
	assert.DeepEqual(t, c.VelocityScalePercent(), 50)
	v, err := h.state.Velocity()
	assert.NilErr(t, err)
	assert.DeepEqual(t, v, 50)

	h.tr.Inject(devA, []packet.Event{noteOn(70, 100)})
	sent := h.tr.SentBatches()
	assert.DeepEqual(t, sent[0].Batch[0].Data, []byte{0x90, 70, 50})
}

func TestPersistedVelocityIsLoaded(t *testing.T) {
	h := newHarness(t)
	assert.NilErr(t, h.state.SetVelocity(20))
	c := h.start()
	assert.DeepEqual(t, c.VelocityScalePercent(), 20)
}

func TestNoOutputDropsPackets(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA)
	c := h.start()

	_, ok := c.SelectedOutputDevice()
	assert.BoolIs(t, ok, false)

	h.tr.Inject(devA, []packet.Event{noteOn(61, 100)})
	assert.DeepEqual(t, len(h.tr.SentBatches()), 0)
	assert.DeepEqual(t, testutil.ToFloat64(h.stats.BatchesDropped), 1.0)
}

func TestSendErrorsAreNotFatal(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA)
	h.tr.SetDestinations(epX)
	c := h.start()

	h.tr.FailSends(errors.New("boom"))
	h.tr.Inject(devA, []packet.Event{noteOn(61, 100)})
	assert.DeepEqual(t, testutil.ToFloat64(h.stats.SendErrors), 1.0)

	h.tr.FailSends(nil)
	h.tr.Inject(devA, []packet.Event{noteOn(61, 100)})
	assert.DeepEqual(t, len(h.tr.SentBatches()), 1)
	_, ok := c.SelectedOutputDevice()
	assert.BoolIs(t, ok, true)
}

func TestRestoreDefaults(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB)
	h.tr.SetDestinations(epX, epY)
	c := h.start()

	h.tr.SetSources(epA, epB, epC)
	c.TopologyChanged()
	_, err := c.SetSelectedInputDevices(ids(devA))
	assert.NilErr(t, err)
	assert.NilErr(t, c.SetSelectedOutputDevice(busY))
	assert.NilErr(t, c.SetVelocityScalePercent(40))

	assert.NilErr(t, c.RestoreDefaults())

	assert.DeepEqual(t, c.VelocityScalePercent(), packet.DefaultPercent)
	v, err := h.state.Velocity()
	assert.NilErr(t, err)
	assert.DeepEqual(t, v, packet.DefaultPercent)
	_, ok, err := h.state.Output()
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)
	_, ok = h.persistedInputs()
	assert.BoolIs(t, ok, false)

	// First scan behavior: everything present is selected and the first
	// output is active.
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devB, devC))
	assert.DeepEqual(t, h.tr.Connected(), ids(devA, devB, devC))
	out, _ := c.SelectedOutputDevice()
	assert.DeepEqual(t, out.ID, catalog.DeviceID(busX))

	// The ledger was rebuilt from the current catalog, so a device that
	// comes back later is not adopted again.
	_, err = c.ToggleInputDevice(devC)
	assert.NilErr(t, err)
	h.tr.SetSources(epA, epB)
	c.TopologyChanged()
	h.tr.SetSources(epA, epB, epC)
	c.TopologyChanged()
	assert.DeepEqual(t, c.SelectedInputDevices(), ids(devA, devB))
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA, epB)
	c := h.start()
	c.Close()
	assert.DeepEqual(t, len(h.tr.Connected()), 0)
	assert.DeepEqual(t, c.ConnectedInputDevices(), []catalog.DeviceID{})
}

func TestPacketsDuringTopologyChanges(t *testing.T) {
	h := newHarness(t)
	h.tr.SetSources(epA)
	h.tr.SetDestinations(epX, epY)
	c := h.start()

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			h.tr.Inject(devA, []packet.Event{noteOn(61, 100)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				h.tr.SetDestinations(epY)
			} else {
				h.tr.SetDestinations(epX, epY)
			}
			c.TopologyChanged()
			assert.NilErr(t, c.SetVelocityScalePercent(1+i))
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(done)
	assert.DoesNotBlock(t, wg.Wait)

	for _, s := range h.tr.SentBatches() {
		if len(s.Batch) != 1 || s.Batch[0].Data[2] < 1 {
			t.Fatalf("unexpected batch %v", s.Batch)
		}
	}
}
