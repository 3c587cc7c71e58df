// Package monitoring turns a profiled process into a server that can start
// and stop profiling sessions and report on the process.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/id"
	"github.com/sarchlab/opprof/monitoring/web"
	"github.com/sarchlab/opprof/profiler"
)

// Monitor owns a control thread and starts and stops profiling sessions on
// it when asked over HTTP.
type Monitor struct {
	controller *profiler.Controller
	portNumber int
	outputDir  string
	logger     zerolog.Logger

	mu         sync.Mutex
	thread     *hooking.Thread
	config     profiler.Config
	activities []profiler.ActivityType
	sessionID  string
	sessions   int
	lastResult *profiler.Result
	lastID     string

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a monitor that profiles through controller. Sessions
// record CPU operations until configured otherwise.
func NewMonitor(controller *profiler.Controller) *Monitor {
	return &Monitor{
		controller: controller,
		thread:     hooking.NewThread(),
		config:     profiler.NewKinetoConfig(),
		activities: []profiler.ActivityType{profiler.ActivityCPU},
		logger:     zerolog.Nop(),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warn().
			Int("port", portNumber).
			Msg("port number not allowed, using a random port instead")

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithOutputDir makes the monitor save the trace of every stopped session
// into dir.
func (m *Monitor) WithOutputDir(dir string) *Monitor {
	m.outputDir = dir
	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(logger zerolog.Logger) *Monitor {
	m.logger = logger
	return m
}

// WithConfig sets the default configuration of new sessions.
func (m *Monitor) WithConfig(
	config profiler.Config,
	activities ...profiler.ActivityType,
) *Monitor {
	m.config = config
	m.activities = activities

	return m
}

// SpawnWorker creates a thread that inherits the current session of the
// control thread. Operations run on the worker are recorded while the
// session lasts.
func (m *Monitor) SpawnWorker() *hooking.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.thread.Spawn()
}

// LastResult returns the result of the last stopped session, or nil.
func (m *Monitor) LastResult() *profiler.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastResult
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/profiler/prepare", m.prepare).Methods(http.MethodPost)
	r.HandleFunc("/api/profiler/start", m.start).Methods(http.MethodPost)
	r.HandleFunc("/api/profiler/stop", m.stop).Methods(http.MethodPost)
	r.HandleFunc("/api/profiler/status", m.status).Methods(http.MethodGet)
	r.HandleFunc("/api/profiler/config", m.listConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/profiler/ops", m.listOps).Methods(http.MethodGet)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(web.Handler(m.logger))

	return r
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	m.logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", port)).
		Msg("monitoring process")

	router := m.Router()

	go func() {
		err := http.Serve(listener, router)
		dieOnErr(err)
	}()

	return port
}

type sessionReq struct {
	Activities        []string `json:"activities,omitempty"`
	ReportInputShapes *bool    `json:"report_input_shapes,omitempty"`
	WithStack         *bool    `json:"with_stack,omitempty"`
}

// sessionOptions overrides the default configuration with what the request
// body asks for. An empty body keeps the defaults.
func (m *Monitor) sessionOptions(
	r *http.Request,
) (profiler.Config, []profiler.ActivityType, error) {
	m.mu.Lock()
	config := m.config
	activities := m.activities
	m.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return config, nil, err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return config, activities, nil
	}

	req := sessionReq{}

	err = json.Unmarshal(body, &req)
	if err != nil {
		return config, nil, err
	}

	if req.Activities != nil {
		activities, err = profiler.ParseActivityTypes(req.Activities)
		if err != nil {
			return config, nil, err
		}
	}

	if req.ReportInputShapes != nil {
		config.ReportInputShapes = *req.ReportInputShapes
	}

	if req.WithStack != nil {
		config.WithStack = *req.WithStack
	}

	return config, activities, nil
}

func (m *Monitor) prepare(w http.ResponseWriter, r *http.Request) {
	config, activities, err := m.sessionOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = m.controller.Prepare(config, activities...)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string]any{"prepared": true})
}

func (m *Monitor) start(w http.ResponseWriter, r *http.Request) {
	config, activities, err := m.sessionOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.controller.Enable(m.thread, config, activities...)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	m.sessionID = id.NewSessionID()

	m.logger.Info().Str("session", m.sessionID).Msg("profiling started")

	writeJSON(w, map[string]any{"session_id": m.sessionID})
}

type stopRsp struct {
	SessionID    string `json:"session_id"`
	StartUs      uint64 `json:"start_us"`
	EndUs        uint64 `json:"end_us"`
	Events       int    `json:"events"`
	DeviceEvents int    `json:"device_events"`
	TraceFile    string `json:"trace_file,omitempty"`
}

func (m *Monitor) stop(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.controller.Disable(m.thread)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	m.sessions++
	m.lastResult = result
	m.lastID = m.sessionID
	m.sessionID = ""

	rsp := stopRsp{
		SessionID:    m.lastID,
		StartUs:      result.StartUs(),
		EndUs:        result.EndUs(),
		Events:       len(result.Events()),
		DeviceEvents: len(result.DeviceEvents()),
	}

	if m.outputDir != "" {
		rsp.TraceFile = filepath.Join(m.outputDir, m.lastID+".json")

		err = result.Save(rsp.TraceFile)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	m.logger.Info().
		Str("session", rsp.SessionID).
		Int("events", rsp.Events).
		Msg("profiling stopped")

	writeJSON(w, rsp)
}

type statusRsp struct {
	Available bool   `json:"available"`
	Enabled   bool   `json:"enabled"`
	SessionID string `json:"session_id,omitempty"`
	Sessions  int    `json:"sessions"`
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	writeJSON(w, statusRsp{
		Available: m.controller.KinetoAvailable(),
		Enabled:   m.controller.IsEnabled(m.thread),
		SessionID: m.sessionID,
		Sessions:  m.sessions,
	})
}

type sessionConfig struct {
	Mode       string
	Activities []string
	Config     profiler.Config
	OutputDir  string
}

func (m *Monitor) listConfig(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	c := &sessionConfig{
		Mode:      m.config.State.String(),
		Config:    m.config,
		OutputDir: m.outputDir,
	}

	for _, a := range m.activities {
		c.Activities = append(c.Activities, a.String())
	}
	m.mu.Unlock()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(2)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type opRsp struct {
	Name    string `json:"name"`
	Calls   int    `json:"calls"`
	TotalUs uint64 `json:"total_us"`
	MaxUs   uint64 `json:"max_us"`
}

// listOps reports per-operation totals of the last stopped session, the
// most time-consuming first.
func (m *Monitor) listOps(w http.ResponseWriter, r *http.Request) {
	result := m.LastResult()
	if result == nil {
		writeError(w, http.StatusNotFound, errors.New("no finished session"))
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		var err error

		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("invalid limit %q", s))
			return
		}
	}

	writeJSON(w, summarizeOps(result.Events(), limit))
}

func summarizeOps(events []profiler.KinetoEvent, limit int) []opRsp {
	byName := make(map[string]*opRsp)
	for _, e := range events {
		op, ok := byName[e.Name]
		if !ok {
			op = &opRsp{Name: e.Name}
			byName[e.Name] = op
		}

		op.Calls++
		op.TotalUs += e.DurationUs

		if e.DurationUs > op.MaxUs {
			op.MaxUs = e.DurationUs
		}
	}

	ops := make([]opRsp, 0, len(byName))
	for _, op := range byName {
		ops = append(ops, *op)
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].TotalUs != ops[j].TotalUs {
			return ops[i].TotalUs > ops[j].TotalUs
		}

		return ops[i].Name < ops[j].Name
	})

	if limit > 0 && limit < len(ops) {
		ops = ops[:limit]
	}

	return ops
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

// collectProfile samples the Go CPU profile of the process. The duration
// defaults to one second and can be set with the seconds query parameter.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second
	if s := r.URL.Query().Get("seconds"); s != "" {
		sec, err := strconv.ParseFloat(s, 64)
		if err != nil || sec <= 0 {
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("invalid seconds %q", s))
			return
		}

		duration = time.Duration(sec * float64(time.Second))
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, profiler.ErrUnsupportedMode),
		errors.Is(err, profiler.ErrNoActivities):
		return http.StatusBadRequest
	case errors.Is(err, profiler.ErrAlreadyEnabled),
		errors.Is(err, profiler.ErrNotEnabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	bytes, mErr := json.Marshal(map[string]string{"error": err.Error()})
	dieOnErr(mErr)

	_, wErr := w.Write(bytes)
	dieOnErr(wErr)
}

func dieOnErr(err error) {
	if err != nil {
		panic(err)
	}
}
