package nodes

import (
	"slices"

	"github.com/signalsfoundry/spikenet/model"
)

const SpikeRecorder = "spike_recorder"

// Recorder stores the sender and time of every spike it receives inside its
// activity window.
type Recorder struct {
	act activity
	res float64

	senders []model.NodeID
	stamps  []model.Tick
}

func NewSpikeRecorder() *Recorder {
	return &Recorder{act: defaultActivity()}
}

func (r *Recorder) Calibrate(env model.CalibrateEnv) error {
	r.res = env.Resolution
	r.act.calibrate(env.Resolution)
	return nil
}

func (r *Recorder) Update(model.SliceContext, int, int) error { return nil }

func (r *Recorder) Handle(ev model.SpikeEvent) {
	if !r.act.active(ev.Stamp) {
		return
	}
	for range max(ev.Multiplicity, 1) {
		r.senders = append(r.senders, ev.Sender)
		r.stamps = append(r.stamps, ev.Stamp)
	}
}

// Events returns copies of the recorded senders and spike times in ms.
func (r *Recorder) Events() ([]model.NodeID, []float64) {
	senders := make([]model.NodeID, len(r.senders))
	copy(senders, r.senders)
	times := make([]float64, len(r.stamps))
	for i, s := range r.stamps {
		times[i] = float64(s) * r.res
	}
	return senders, times
}

func (r *Recorder) Status() model.Dict {
	senders, times := r.Events()
	d := model.Dict{
		"n_events": model.Int(int64(len(senders))),
		"events": model.DictValue(model.Dict{
			"senders": model.NodeIDs(senders),
			"times":   model.Floats(times),
		}),
	}
	r.act.status(d)
	return d
}

func (r *Recorder) SetStatus(d model.Dict) error {
	act := r.act
	var n int64 = -1
	rd := model.NewDictReader(d)
	rd.Int("n_events", &n)
	rd.Ignore("events")
	act.read(rd)
	if err := rd.Err(); err != nil {
		return err
	}
	if n > 0 {
		return model.Errorf(model.KindBadParameter, "n_events can only be set to 0")
	}
	if err := act.validate(); err != nil {
		return err
	}
	r.act = act
	if n == 0 {
		r.clear()
	}
	return nil
}

func (r *Recorder) clear() {
	r.senders = r.senders[:0]
	r.stamps = r.stamps[:0]
}

func (r *Recorder) ResetState() { r.clear() }

func (r *Recorder) Clone() model.Node {
	cp := *r
	cp.senders = slices.Clone(r.senders)
	cp.stamps = slices.Clone(r.stamps)
	return &cp
}
