package sensors

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/versioned"
)

// Vec3 is one x, y, z reading.
type Vec3 struct {
	X, Y, Z float64
	At      time.Time
}

// IMUOptions configures the inertial sensor subscription.
type IMUOptions struct {
	RateMs     int
	GyroOffset [3]float64
}

// IMU decodes "gyro0" and "acc0" lines and runs gyro offset calibration.
type IMU struct {
	sender Sender
	rateMs int

	Gyro versioned.Cell[Vec3]
	Acc  versioned.Cell[Vec3]

	mu      sync.Mutex
	offset  [3]float64
	calib   [3][]float64
	calibN  int
	calibOK chan [3]float64
}

// NewIMU creates the IMU decoder.
func NewIMU(sender Sender, opts IMUOptions) *IMU {
	return &IMU{sender: sender, rateMs: opts.RateMs, offset: opts.GyroOffset}
}

// SetupCommands implements Setup.
func (m *IMU) SetupCommands() []string {
	return []string{
		subscribe("gyro0", m.rateMs),
		subscribe("acc0", m.rateMs),
		gyroCalCommand(m.GyroOffset()),
	}
}

// GyroOffset returns the current gyro offset.
func (m *IMU) GyroOffset() [3]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// CalibrateGyro averages the next samples gyro readings, with the robot
// standing still, into a new offset. The returned channel receives the
// offset once calibration is done; the offset is also sent to the device.
func (m *IMU) CalibrateGyro(samples int) <-chan [3]float64 {
	n := max(samples, 1)
	done := make(chan [3]float64, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.calib {
		m.calib[i] = make([]float64, 0, n)
	}
	m.calibN = n
	m.calibOK = done
	return done
}

// Decode implements devlink.Decoder.
func (m *IMU) Decode(l devlink.Line) bool {
	if l.Tag != "gyro0" && l.Tag != "acc0" {
		return false
	}
	v := Vec3{X: l.Float(0, 0), Y: l.Float(1, 0), Z: l.Float(2, 0), At: l.At}
	if l.Tag == "acc0" {
		m.Acc.Publish(v)
		monitoring.Debugf("acc", "%.4f %.4f %.4f", v.X, v.Y, v.Z)
		return true
	}
	m.Gyro.Publish(v)
	monitoring.Debugf("gyro", "%.4f %.4f %.4f", v.X, v.Y, v.Z)
	m.calibrate(v)
	return true
}

func (m *IMU) calibrate(v Vec3) {
	m.mu.Lock()
	if m.calibN == 0 {
		m.mu.Unlock()
		return
	}
	m.calib[0] = append(m.calib[0], v.X)
	m.calib[1] = append(m.calib[1], v.Y)
	m.calib[2] = append(m.calib[2], v.Z)
	if len(m.calib[0]) < m.calibN {
		m.mu.Unlock()
		return
	}
	for i := range m.offset {
		m.offset[i] = stat.Mean(m.calib[i], nil)
		m.calib[i] = nil
	}
	offset, done := m.offset, m.calibOK
	m.calibN, m.calibOK = 0, nil
	m.mu.Unlock()

	monitoring.Logf("[imu] gyro calibration finished: %g %g %g", offset[0], offset[1], offset[2])
	if err := m.sender.SendQueued(gyroCalCommand(offset)); err != nil {
		monitoring.Logf("[imu] send gyro offset: %v", err)
	}
	done <- offset
}

func gyroCalCommand(o [3]float64) string {
	return fmt.Sprintf("gyrocal %g %g %g", o[0], o[1], o[2])
}
