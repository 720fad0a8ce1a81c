package robot

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/httputil"
)

// AttachAdminRoutes attaches the robot endpoints, and those of its link,
// to the given HTTP mux under /debug/.
func (r *Robot) AttachAdminRoutes(mux *http.ServeMux) {
	r.Link.AttachAdminRoutes(mux)
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Robot", func() any {
		p := r.Pose()
		return fmt.Sprintf("x %.3f y %.3f heading %.1fdeg, %s",
			p.X, p.Y, p.Heading*180/math.Pi, r.Mixer.Mode())
	})

	debug.HandleSilentFunc("robot-status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, r.Status())
	})

	// mode is one of turnrate, heading, edge, manual or stop
	debug.HandleSilentFunc("robot-drive", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		mode := req.FormValue("mode")
		if mode == "stop" {
			r.SetManual(false, 0, 0)
			r.SetVelocity(0)
			r.SetTurnRate(0)
			httputil.WriteJSONOK(w, r.Status())
			return
		}
		v, err := formFloat(req, "v", 0)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		switch mode {
		case "", "turnrate":
			wr, err := formFloat(req, "w", 0)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			r.SetManual(false, 0, 0)
			r.SetTurnRate(wr)
		case "heading":
			h, err := formFloat(req, "heading", math.NaN())
			if err != nil || math.IsNaN(h) {
				httputil.BadRequest(w, "heading mode needs heading in radians")
				return
			}
			r.SetManual(false, 0, 0)
			r.SetHeading(h)
		case "edge":
			offset, err := formFloat(req, "offset", 0)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			r.SetManual(false, 0, 0)
			r.SetEdgeMode(req.FormValue("side") != "right", offset)
		case "manual":
			wr, err := formFloat(req, "w", 0)
			if err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
			r.SetManual(true, v, wr)
			httputil.WriteJSONOK(w, r.Status())
			return
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown mode %q", mode))
			return
		}
		r.SetVelocity(v)
		httputil.WriteJSONOK(w, r.Status())
	})

	debug.HandleSilentFunc("robot-reset", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		r.ResetPose()
		httputil.WriteJSONOK(w, r.Status())
	})

	debug.HandleSilentFunc("robot-servo", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		n, err1 := strconv.Atoi(req.FormValue("n"))
		pos, err2 := strconv.Atoi(req.FormValue("position"))
		vel, err3 := strconv.Atoi(req.FormValue("velocity"))
		if err1 != nil || err2 != nil || err3 != nil {
			httputil.BadRequest(w, "servo needs integer n, position and velocity")
			return
		}
		if err := r.SetServo(n, req.FormValue("enabled") != "false", pos, vel); err != nil {
			writeSendError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]int{"servo": n, "position": pos, "velocity": vel})
	})

	// Calibrations finish in the background; the result is logged and
	// sent to the device.
	debug.HandleSilentFunc("robot-calibrate", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		samples, err := strconv.Atoi(req.FormValue("samples"))
		if err != nil || samples <= 0 {
			samples = 100
		}
		what := req.FormValue("sensor")
		switch what {
		case "gyro":
			r.IMU.CalibrateGyro(samples)
		case "line-white":
			r.LineEdge.Calibrate(true, samples)
		case "line-black":
			r.LineEdge.Calibrate(false, samples)
		case "ir":
			sensor, err1 := strconv.Atoi(req.FormValue("n"))
			cm, err2 := strconv.Atoi(req.FormValue("cm"))
			if err1 != nil || err2 != nil {
				httputil.BadRequest(w, "ir calibration needs n and cm")
				return
			}
			if req.FormValue("samples") == "" {
				samples = 20
			}
			if _, err := r.Distance.Calibrate(sensor, cm, samples); err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown sensor %q", what))
			return
		}
		httputil.Accepted(w, map[string]any{"calibrating": what, "samples": samples})
	})
}

func formFloat(req *http.Request, key string, def float64) (float64, error) {
	s := req.FormValue(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return v, nil
}

func writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, devlink.ErrNotConnected) {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}
	httputil.BadRequest(w, err.Error())
}
