package pqm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pqmlab/pqm/internal/pqmdb"
	"github.com/spf13/viper"
)

// DeviceControl is the RPC service that exposes one PQM device to hosts: its
// attributes, its channel mask, bulk buffer reads and triggered streaming.
// Every method that touches the device runs inside the TriggerLoop goroutine.
type DeviceControl struct {
	device      *Device
	streamer    *Streamer
	loop        *TriggerLoop
	publisher   scanPublisher
	recorder    Capture
	captureDone bool // recorder is full and out of the sink
	publishing  bool
	session     *pqmdb.SessionMessage
	db          *pqmdb.Connection
	pending     sync.WaitGroup // final session rows on their way to db

	// newPublisher opens the scan publisher on first use.
	newPublisher func() (scanPublisher, error)

	status ServerStatus

	// clientUpdates is only sent to from the loop goroutine, so nothing is sent
	// once the loop has stopped.
	clientUpdates chan<- ClientUpdate
}

// scanPublisher is the live destination of triggered scans.
type scanPublisher interface {
	Sink
	SetMask(ChannelMask)
	Close() error
}

// ServerStatus the status that DeviceControl reports to clients.
type ServerStatus struct {
	Running        bool
	SourceName     string
	Nchannels      int
	ActiveChannels uint32
	ChannelNames   []string
	Capturing      bool
	CaptureScans   int
	CaptureFull    bool
	Stream         StreamStatus
}

// NewDeviceControl makes a control service for the device built from cfg and
// starts its TriggerLoop, which runs until abort is closed. Updates for clients go
// to clientUpdates; db may be nil.
func NewDeviceControl(cfg *DeviceConfig, clientUpdates chan<- ClientUpdate, db *pqmdb.Connection,
	abort <-chan struct{}) (*DeviceControl, error) {
	dev, err := NewDevice(cfg)
	if err != nil {
		return nil, err
	}
	s := &DeviceControl{
		device:        dev,
		streamer:      NewStreamer(dev),
		db:            db,
		clientUpdates: clientUpdates,
		newPublisher: func() (scanPublisher, error) {
			p, err := NewScanPublisher(Ports.Scans)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
	s.loop = NewTriggerLoop(s.streamer)
	s.loop.captureFull = s.captureFilled
	s.status.SourceName = dev.Source().Name()
	s.status.Nchannels = dev.Nchan()
	s.status.ActiveChannels = uint32(dev.ActiveChannels())
	go s.loop.Run(abort)
	return s, nil
}

// do runs f in the acquisition context and returns its error.
func (s *DeviceControl) do(f func() error) error {
	var err error
	if lerr := s.loop.Do(func() { err = f() }); lerr != nil {
		return lerr
	}
	return err
}

// AttributeArgs names an attribute and, for writes, its new value. Channel is empty
// for device attributes and a channel name ("ua", ..., "in") otherwise.
type AttributeArgs struct {
	Channel string
	Name    string
	Value   string
}

// ReadAttribute reads one device or channel attribute.
func (s *DeviceControl) ReadAttribute(args *AttributeArgs, reply *string) error {
	return s.do(func() error {
		var v string
		var err error
		if args.Channel == "" {
			v, err = s.device.ReadAttribute(args.Name)
		} else {
			v, err = s.device.ReadChannelAttribute(args.Channel, args.Name)
		}
		if err != nil {
			return err
		}
		*reply = v
		return nil
	})
}

// WriteAttribute writes one device attribute.
func (s *DeviceControl) WriteAttribute(args *AttributeArgs, reply *bool) error {
	if args.Channel != "" {
		return fmt.Errorf("channel attributes are read-only: %w", ErrInvalidArgument)
	}
	var sessionID string
	err := s.do(func() error {
		if s.session != nil {
			sessionID = s.session.ID
		}
		return s.device.WriteAttribute(args.Name, args.Value)
	})
	*reply = (err == nil)
	if err != nil {
		return err
	}
	if sessionID != "" {
		s.db.RecordAttribute(&pqmdb.AttributeMessage{
			SessionID: sessionID, Name: args.Name, Value: args.Value, Time: time.Now(),
		})
	}
	s.broadcastAttributes()
	return nil
}

// MeasurementArgs carries one value from the measurement path. Channel is empty for
// device-level measurements.
type MeasurementArgs struct {
	Channel string
	Name    string
	Value   uint32
}

// UpdateMeasurement stores a measurement value the host can then read.
func (s *DeviceControl) UpdateMeasurement(args *MeasurementArgs, reply *bool) error {
	err := s.do(func() error {
		if args.Channel == "" {
			return s.device.UpdateDeviceMeasurement(args.Name, args.Value)
		}
		return s.device.UpdateMeasurement(args.Channel, args.Name, args.Value)
	})
	*reply = (err == nil)
	return err
}

// ListAttributes lists every attribute name ("chan.attr" for channel attributes).
func (s *DeviceControl) ListAttributes(dummy *string, reply *[]string) error {
	*reply = s.device.AttributeNames()
	return nil
}

// ChannelsArgs selects active channels either by Mask or, when Names is non-empty,
// by channel names.
type ChannelsArgs struct {
	Mask  uint32
	Names []string
}

// SetActiveChannels sets the active channel mask for all following scans.
func (s *DeviceControl) SetActiveChannels(args *ChannelsArgs, reply *bool) error {
	mask := ChannelMask(args.Mask)
	if len(args.Names) > 0 {
		mask = 0
		for _, name := range args.Names {
			ch, err := ChannelByName(name)
			if err != nil {
				*reply = false
				return err
			}
			mask |= MaskOf(ch.ScanIndex)
		}
	}
	err := s.do(func() error {
		if s.recorder != nil {
			return fmt.Errorf("cannot change channels during a capture")
		}
		if err := s.device.UpdateChannels(mask); err != nil {
			return err
		}
		if s.publisher != nil {
			s.publisher.SetMask(mask)
		}
		return nil
	})
	*reply = (err == nil)
	if err == nil {
		s.broadcastChannels()
	}
	return err
}

// CloseChannels deactivates every channel.
func (s *DeviceControl) CloseChannels(dummy *string, reply *bool) error {
	args := ChannelsArgs{}
	return s.SetActiveChannels(&args, reply)
}

// ReadBufferArgs gives the byte size of the buffer a bulk read fills.
type ReadBufferArgs struct {
	Size int
}

// ReadBufferReply holds the filled buffer and its per-channel statistics.
type ReadBufferReply struct {
	Nscans         int
	ActiveChannels uint32
	Data           []byte
	Summary        []ChannelSummary
}

// ReadBuffer fills a buffer of the requested size with scans at offsets 0, 1, ...
func (s *DeviceControl) ReadBuffer(args *ReadBufferArgs, reply *ReadBufferReply) error {
	size := args.Size
	if size <= 0 {
		size = viper.GetInt("buffer.size")
	}
	buf := NewScanBuffer(size)
	return s.do(func() error {
		mask := s.device.ActiveChannels()
		n, err := s.streamer.FillBuffer(buf)
		reply.Nscans = n
		if err != nil {
			return err
		}
		reply.ActiveChannels = uint32(mask)
		reply.Data = buf.Bytes()
		summary, err := SummarizeBuffer(reply.Data, mask)
		if err != nil {
			return err
		}
		reply.Summary = summary
		s.clientUpdates <- ClientUpdate{"SUMMARY", summary}
		return nil
	})
}

// StartStreaming begins triggered streaming: one scan per trigger, published on
// Ports.Scans (and to the capture, if one is running).
func (s *DeviceControl) StartStreaming(args *StreamingConfig, reply *bool) error {
	var session *pqmdb.SessionMessage
	var mask ChannelMask
	err := s.do(func() error {
		if s.status.Running {
			return fmt.Errorf("streaming is already running (you should call StopStreaming)")
		}
		if s.publisher == nil && args.Publish {
			p, err := s.newPublisher()
			if err != nil {
				return err
			}
			s.publisher = p
		}
		if s.publisher != nil {
			s.publisher.SetMask(s.device.ActiveChannels())
		}
		if err := s.loop.startTriggering(s.sinkFor(args.Publish), args.TriggerRate); err != nil {
			return err
		}
		s.publishing = args.Publish
		s.status.Running = true
		mask = s.device.ActiveChannels()
		s.session = &pqmdb.SessionMessage{
			ID:          pqmdb.NewID(),
			Mode:        "triggered",
			Source:      s.device.Source().Name(),
			ChannelMask: uint32(s.device.ActiveChannels()),
			Nchannels:   s.device.ActiveChannels().Count(),
			TriggerRate: args.TriggerRate,
			Start:       time.Now(),
		}
		session = s.session
		return nil
	})
	*reply = (err == nil)
	if err != nil {
		return err
	}
	UpdateLogger.Printf("Started triggered streaming at %.1f Hz on %v", args.TriggerRate, mask)
	s.db.RecordSession(session)
	s.broadcastUpdate()
	return nil
}

// currentSink is the sink triggered scans go to. Must run in the loop goroutine.
func (s *DeviceControl) currentSink() Sink {
	return s.sinkFor(s.publishing)
}

// sinkFor is the sink triggered scans would go to with publishing on or off.
func (s *DeviceControl) sinkFor(publish bool) Sink {
	var sinks MultiSink
	if publish && s.publisher != nil {
		sinks = append(sinks, s.publisher)
	}
	if s.recorder != nil && !s.captureDone {
		sinks = append(sinks, s.recorder)
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return sinks
}

// StopStreaming stops triggered streaming.
func (s *DeviceControl) StopStreaming(dummy *string, reply *bool) error {
	var session *pqmdb.SessionMessage
	err := s.do(func() error {
		if !s.status.Running {
			return fmt.Errorf("streaming is not running")
		}
		session = s.endStreaming()
		return nil
	})
	*reply = (err == nil)
	if err != nil {
		return err
	}
	UpdateLogger.Printf("Stopped triggered streaming")
	s.db.FinishSession(session)
	s.broadcastUpdate()
	return nil
}

// endStreaming stops triggering and returns the session it ends, if any. Must run
// in the loop goroutine.
func (s *DeviceControl) endStreaming() *pqmdb.SessionMessage {
	st := s.loop.Status()
	s.loop.stopTriggering()
	s.status.Running = false
	session := s.session
	s.session = nil
	if session != nil {
		session.Scans = st.Triggers
		session.Failures = st.Failures
	}
	return session
}

// finishSession stores the final row of a session ended inside the loop, without
// holding the loop up. shutdown waits for it.
func (s *DeviceControl) finishSession(session *pqmdb.SessionMessage) {
	if session == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.db.FinishSession(session)
	}()
}

// captureFilled takes a full capture out of the sink, and ends streaming if nothing
// else wants scans. The capture stays open until StopCapture writes it. Runs in the
// loop goroutine.
func (s *DeviceControl) captureFilled() {
	if s.recorder == nil || s.captureDone {
		return
	}
	s.captureDone = true
	UpdateLogger.Printf("Capture to %s is full at %d scans", s.recorder.Path(), s.recorder.Scans())
	if sink := s.currentSink(); sink != nil {
		s.loop.setSink(sink)
	} else {
		s.finishSession(s.endStreaming())
	}
	s.clientUpdates <- ClientUpdate{"STATUS", s.snapshotStatus()}
}

// CaptureArgs names the file a capture is written to, its format ("npy" or "raw")
// and the most scans it may hold (no limit when zero).
type CaptureArgs struct {
	Path     string
	Format   string
	MaxScans int
}

// StartCapture begins keeping triggered scans for a .npy file. It starts triggered
// streaming without publishing if streaming is not already running.
func (s *DeviceControl) StartCapture(args *CaptureArgs, reply *bool) error {
	if args.Path == "" {
		return fmt.Errorf("capture needs a path: %w", ErrInvalidArgument)
	}
	var running bool
	err := s.do(func() error {
		if s.recorder != nil {
			return fmt.Errorf("a capture to %s is already running", s.recorder.Path())
		}
		rec, err := NewCapture(args.Format, args.Path, s.device.ActiveChannels(), args.MaxScans)
		if err != nil {
			return err
		}
		s.recorder = rec
		s.captureDone = false
		s.status.Capturing = true
		running = s.status.Running
		if running {
			s.loop.setSink(s.currentSink())
		}
		s.clientUpdates <- ClientUpdate{"CAPTURE", *args}
		return nil
	})
	*reply = (err == nil)
	if err != nil {
		return err
	}
	if !running {
		sc := LoadStreamingConfig()
		sc.Publish = false
		if err := s.StartStreaming(&sc, reply); err != nil {
			s.do(func() error {
				if s.recorder != nil {
					s.recorder.Close()
				}
				s.recorder = nil
				s.captureDone = false
				s.status.Capturing = false
				return nil
			})
			return err
		}
	}
	return nil
}

// StopCapture ends the capture, writes its file and replies with the scan count.
func (s *DeviceControl) StopCapture(dummy *string, reply *int) error {
	var rec Capture
	err := s.do(func() error {
		if s.recorder == nil {
			return fmt.Errorf("no capture is running")
		}
		rec = s.recorder
		s.recorder = nil
		s.captureDone = false
		s.status.Capturing = false
		if s.status.Running {
			if sink := s.currentSink(); sink != nil {
				s.loop.setSink(sink)
			} else {
				s.finishSession(s.endStreaming())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*reply = rec.Scans()
	if err := rec.Close(); err != nil {
		return err
	}
	UpdateLogger.Printf("Wrote %d scans to %s", rec.Scans(), rec.Path())
	s.broadcastUpdate()
	return nil
}

// Status replies with the current server status.
func (s *DeviceControl) Status(dummy *string, reply *ServerStatus) error {
	return s.do(func() error {
		*reply = s.snapshotStatus()
		return nil
	})
}

// snapshotStatus must run in the loop goroutine.
func (s *DeviceControl) snapshotStatus() ServerStatus {
	st := s.status
	mask := s.device.ActiveChannels()
	st.ActiveChannels = uint32(mask)
	st.ChannelNames = make([]string, 0, mask.Count())
	for _, ch := range mask.Indices() {
		st.ChannelNames = append(st.ChannelNames, Channels[ch].Name)
	}
	if s.recorder != nil {
		st.CaptureScans = s.recorder.Scans()
		st.CaptureFull = s.captureDone
	}
	st.Stream = s.loop.Status()
	return st
}

// The broadcast helpers send from inside the loop, and do nothing once it stops.
func (s *DeviceControl) broadcastUpdate() {
	s.do(func() error {
		s.clientUpdates <- ClientUpdate{"STATUS", s.snapshotStatus()}
		return nil
	})
}

func (s *DeviceControl) broadcastChannels() {
	s.do(func() error {
		s.clientUpdates <- ClientUpdate{"CHANNELS", ChannelsArgs{Mask: uint32(s.device.ActiveChannels())}}
		return nil
	})
}

func (s *DeviceControl) broadcastAttributes() {
	s.do(func() error {
		s.clientUpdates <- ClientUpdate{"ATTRIBUTES", s.device.AttributeSnapshot()}
		return nil
	})
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *DeviceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.broadcastChannels()
	s.broadcastAttributes()
	*reply = true
	return nil
}

// shutdown stops streaming and writes any open capture.
func (s *DeviceControl) shutdown() {
	defer s.pending.Wait()
	var okay bool
	var dummy string
	var st ServerStatus
	if err := s.do(func() error { st = s.status; return nil }); err != nil {
		return
	}
	if st.Capturing {
		var n int
		if err := s.StopCapture(&dummy, &n); err != nil {
			ProblemLogger.Printf("could not finish capture at shutdown: %v", err)
		}
	}
	if st.Running {
		s.StopStreaming(&dummy, &okay)
	}
	s.do(func() error {
		if s.publisher == nil {
			return nil
		}
		err := s.publisher.Close()
		s.publisher = nil
		return err
	})
}

// NewActivity describes this server process for the database.
func NewActivity() *pqmdb.ActivityMessage {
	host, err := os.Hostname()
	if err != nil {
		host = "host not detected"
	}
	return &pqmdb.ActivityMessage{
		ID:        pqmdb.NewID(),
		Hostname:  host,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     StartTime,
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the device described
// by the viper config, until ctx is done.
func RunRPCServer(ctx context.Context, messageChan chan<- ClientUpdate, portrpc int, db *pqmdb.Connection) error {
	cfg, err := LoadDeviceConfig()
	if err != nil {
		return err
	}
	abort := make(chan struct{})
	deviceControl, err := NewDeviceControl(cfg, messageChan, db, abort)
	if err != nil {
		return err
	}
	// The caller may close messageChan once we return, so the loop (the only
	// sender) must be gone by then.
	defer func() {
		close(abort)
		<-deviceControl.loop.done
	}()
	defer deviceControl.shutdown()

	tickerDone := make(chan struct{})
	defer func() { <-tickerDone }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deviceControl.broadcastUpdate()
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(deviceControl); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}
		UpdateLogger.Printf("new connection established from %s", conn.RemoteAddr())
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
