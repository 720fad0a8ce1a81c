package sensors

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robobase/internal/devlink"
)

var at = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu     sync.Mutex
	direct []string
	queued []string
}

func (r *recordingSender) SendDirect(p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct = append(r.direct, p)
	return nil
}

func (r *recordingSender) SendQueued(p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, p)
	return nil
}

func line(payload string) devlink.Line {
	return devlink.ParseLine(payload, at)
}

func TestSetupCommands(t *testing.T) {
	s := &recordingSender{}
	tests := []struct {
		name string
		c    Setup
		want []string
	}{
		{"state", NewState(s, 500), []string{"sub hbt 500"}},
		{"encoder reversed", NewEncoders(EncoderOptions{RateMs: 8, Reversed: true}), []string{"enc0", "sub enc 8", "encrev 1"}},
		{"encoder", NewEncoders(EncoderOptions{RateMs: 4}), []string{"enc0", "sub enc 4", "encrev 0"}},
		{"imu", NewIMU(s, IMUOptions{RateMs: 12, GyroOffset: [3]float64{0.5, -1, 0}}),
			[]string{"sub gyro0 12", "sub acc0 12", "gyrocal 0.5 -1 0"}},
		{"servo", NewServos(s, 50), []string{"sub svo 50"}},
		{"line high power", NewLine(s, LineOptions{RateMs: 8, HighPower: true}), []string{"lip 1 0 1 0 0 0 0", "sub liv 8"}},
		{"distance", NewDistanceSensors(s, DistanceOptions{RateMs: 45, IR13: [2]int{70000, 71000}, IR50: [2]int{20000, 21000}}),
			[]string{"irc 70000 20000 71000 21000 1", "sub ir 45"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.c.SetupCommands()); diff != "" {
				t.Errorf("SetupCommands() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStateDecode(t *testing.T) {
	s := &recordingSender{}
	st := NewState(s, 500)

	assert.False(t, st.Decode(line("enc 1 2")))
	require.True(t, st.Decode(line("hbt 37708.7329 74 1430 5.01 0 6 12 1 0")))

	hb, seq := st.Heartbeat.Load()
	assert.Equal(t, uint64(1), seq)
	want := Heartbeat{
		DeviceTime:   37708.7329,
		Index:        74,
		Version:      1430,
		Battery:      5.01,
		ControlState: 0,
		Hardware:     6,
		Load:         12,
		MotorEnabled: [2]bool{true, false},
		At:           at,
	}
	if diff := cmp.Diff(want, hb); diff != "" {
		t.Errorf("heartbeat mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"idi"}, s.direct, "first heartbeat asks for the name")

	require.True(t, st.Decode(line("hbt 37709 74 1430 5.0 0 6 12 1 1")))
	assert.Len(t, s.direct, 1, "same index does not ask again")
	require.True(t, st.Decode(line("hbt 37710 75 1430 5.0 0 6 12 1 1")))
	assert.Equal(t, []string{"idi", "idi"}, s.direct)

	require.True(t, st.Decode(line("dname robot 7")))
	assert.Equal(t, "robot 7", st.Name())
	assert.False(t, st.Decode(line("hbt")), "heartbeat without fields")
}

func TestEncoderDecode(t *testing.T) {
	e := NewEncoders(EncoderOptions{RateMs: 8})
	require.True(t, e.Decode(line("enc 100 -200")))
	got, seq := e.Sample.Load()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, Encoder{Left: -100, Right: -200, At: at}, got)

	assert.False(t, e.Decode(line("enc 1")), "needs two counters")
	assert.False(t, e.Decode(line("encrev 1")))
	assert.Equal(t, uint64(1), e.Sample.Seq())
}

func TestIMUDecodeAndCalibrate(t *testing.T) {
	s := &recordingSender{}
	m := NewIMU(s, IMUOptions{RateMs: 12})

	require.True(t, m.Decode(line("acc0 0.1 0.2 9.81")))
	acc := m.Acc.Value()
	assert.InDelta(t, 9.81, acc.Z, 1e-12)
	assert.Equal(t, uint64(0), m.Gyro.Seq())

	done := m.CalibrateGyro(4)
	for _, z := range []string{"1", "2", "3", "6"} {
		require.True(t, m.Decode(line("gyro0 0.5 -0.5 "+z)))
	}
	select {
	case off := <-done:
		if diff := cmp.Diff([3]float64{0.5, -0.5, 3}, off, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Errorf("offset mismatch (-want +got):\n%s", diff)
		}
	default:
		t.Fatal("calibration did not finish")
	}
	assert.Equal(t, []string{"gyrocal 0.5 -0.5 3"}, s.queued)
	assert.Equal(t, "gyrocal 0.5 -0.5 3", m.SetupCommands()[2])

	// further samples do not recalibrate
	require.True(t, m.Decode(line("gyro0 9 9 9")))
	assert.Len(t, s.queued, 1)
}

func TestServos(t *testing.T) {
	s := &recordingSender{}
	sv := NewServos(s, 50)

	require.NoError(t, sv.Set(1, true, 200, 10))
	require.NoError(t, sv.Set(2, false, 200, 10))
	assert.Error(t, sv.Set(0, true, 0, 0))
	assert.Error(t, sv.Set(6, true, 0, 0))
	assert.Equal(t, []string{"servo 1 200 10", "servo 2 10000 0"}, s.queued)

	require.True(t, sv.Decode(line("svo 1 200 10 0 0 0 1 -300 5 0 0 0 0 0 0")))
	got := sv.Sample.Value()
	assert.Equal(t, ServoState{Enabled: true, Position: 200, Velocity: 10}, got.Servos[0])
	assert.Equal(t, ServoState{Enabled: true, Position: -300, Velocity: 5}, got.Servos[2])
	assert.False(t, got.Servos[4].Enabled)
}

func TestLineDecode(t *testing.T) {
	s := &recordingSender{}
	ls := NewLine(s, LineOptions{RateMs: 8})

	require.True(t, ls.Decode(line("liv 10 20 30 40 50 60 70 80")))
	assert.Equal(t, [LineSensorCount]int{10, 20, 30, 40, 50, 60, 70, 80}, ls.Raw.Value().Values)
	assert.True(t, ls.Decode(line("ls 1 2 3")), "AD debug lines are consumed")
	assert.Equal(t, uint64(1), ls.Raw.Seq())
	assert.False(t, ls.Decode(line("liv")))

	require.NoError(t, ls.PowerOff())
	assert.Equal(t, []string{"lip 0 0 0 0 0 0 0"}, s.direct)
}

func TestDistanceDecode(t *testing.T) {
	s := &recordingSender{}
	d := NewDistanceSensors(s, DistanceOptions{
		RateMs: 45,
		IR13:   [2]int{70000, 70000},
		IR50:   [2]int{20000, 20000},
		Types:  [2]DistanceSensorType{Sharp, URM09},
	})

	require.True(t, d.Decode(line("ir 0.35 0.9 40000 1024")))
	got := d.Sample.Value()
	assert.InDelta(t, 0.35, got.Meters[0], 1e-12)
	assert.InDelta(t, 1024*DefaultURM09Factor, got.Meters[1], 1e-12, "URM09 uses the AD value")
	assert.Equal(t, [2]int{40000, 1024}, got.AD)
}

func TestDistanceCalibrate(t *testing.T) {
	s := &recordingSender{}
	d := NewDistanceSensors(s, DistanceOptions{RateMs: 45, IR13: [2]int{70000, 70000}, IR50: [2]int{20000, 20000}})

	_, err := d.Calibrate(3, 13, 2)
	assert.Error(t, err)
	_, err = d.Calibrate(1, 20, 2)
	assert.Error(t, err)

	done, err := d.Calibrate(2, 50, 2)
	require.NoError(t, err)
	require.True(t, d.Decode(line("ir 0.5 0.5 1 21000")))
	require.True(t, d.Decode(line("ir 0.5 0.5 1 23000")))

	select {
	case v := <-done:
		assert.Equal(t, 22000, v)
	default:
		t.Fatal("calibration did not finish")
	}
	ir13, ir50 := d.Calibration()
	assert.Equal(t, [2]int{70000, 70000}, ir13)
	assert.Equal(t, [2]int{20000, 22000}, ir50)
	assert.Equal(t, []string{"irc 70000 20000 70000 22000 1"}, s.queued)
}
