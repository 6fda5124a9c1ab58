// Package pqmdb records server activity and streaming sessions in a ClickHouse database.
package pqmdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// Connection is the server's link to the database. A nil or failed Connection
// accepts every call and records nothing.
type Connection struct {
	conn          clickhouse.Conn
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	attrmsg       chan *AttributeMessage
	done          chan struct{} // closed when handleConnection returns

	mu  sync.Mutex
	err error
	sync.WaitGroup
}

const databaseName = "pqm" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// Options say where the database lives.
type Options struct {
	Addr     string
	User     string
	Password string
}

// OptionsFromEnv reads PQM_DB_ADDR (default localhost:9000), PQM_DB_USER and
// PQM_DB_PASSWORD.
func OptionsFromEnv() Options {
	addr := os.Getenv("PQM_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	return Options{
		Addr:     addr,
		User:     os.Getenv("PQM_DB_USER"),
		Password: os.Getenv("PQM_DB_PASSWORD"),
	}
}

// NewID returns a fresh, time-ordered identifier for activity and session rows.
func NewID() string {
	return ulid.Make().String()
}

// IsConnected reports whether rows will actually be written.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.err = err
}

// PingServer checks that a ClickHouse server answers at opts.
func PingServer(opts Options) error {
	db := createConnection(opts)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// StartConnection connects, logs the activity row and starts the goroutine that
// writes session rows until abort is closed.
func StartConnection(opts Options, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(opts)
	db.start(activity, abort)
	return db
}

// start logs the activity row and starts the writer goroutine, if db is connected.
func (db *Connection) start(activity *ActivityMessage, abort <-chan struct{}) {
	db.activityEntry = activity
	if !db.IsConnected() {
		return
	}
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
}

// newConnection wraps an open ClickHouse connection.
func newConnection(conn clickhouse.Conn) *Connection {
	return &Connection{
		conn:       conn,
		sessionmsg: make(chan *SessionMessage),
		attrmsg:    make(chan *AttributeMessage),
		done:       make(chan struct{}),
	}
}

// DummyConnection returns a Connection that records nothing.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection(opts Options) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: opts.User,
		Password: opts.Password,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "pqm", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{opts.Addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.setErr(err)
		return db
	}

	// Ping the server at the DB connection.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("exception [%d] %s", exception.Code, exception.Message)
		}
		db.setErr(err)
		conn.Close()
		return db
	}
	return newConnection(conn)
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO pqmactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		db.setErr(fmt.Errorf("insert into pqmactivity: %w", err))
	}
}

// handleConnection writes rows until abort is closed. Messages already waiting
// when abort comes are still written before the activity row is closed.
func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.done)
	for {
		select {
		case <-abort:
			db.drain()
			db.disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case amsg := <-db.attrmsg:
			db.handleAttributeMessage(amsg)
		}
	}
}

func (db *Connection) drain() {
	for {
		select {
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case amsg := <-db.attrmsg:
			db.handleAttributeMessage(amsg)
		default:
			return
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() && db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordSession stores a session row. It blocks until the writer accepts the
// message, so a session is entered before any of its attribute changes.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	select {
	case db.sessionmsg <- msg:
	case <-db.done:
	}
}

// FinishSession stamps msg with its end time and stores the final row. Like
// RecordSession, it returns once the writer has the message, so a caller that
// finishes its sessions before closing abort loses none of them.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if msg == nil {
		return
	}
	msg.End = time.Now()
	db.RecordSession(msg)
}

// RecordAttribute stores one attribute change.
func (db *Connection) RecordAttribute(msg *AttributeMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	select {
	case db.attrmsg <- msg:
	case <-db.done:
	}
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO streamsessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.Mode, m.Source, m.ChannelMask, m.Nchannels,
		m.TriggerRate, m.Scans, m.Failures, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		db.setErr(fmt.Errorf("insert into streamsessions: %w", err))
	}
}

func (db *Connection) handleAttributeMessage(m *AttributeMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO attributechanges VALUES (?, ?, ?, ?)`, nowait,
		m.SessionID, m.Name, m.Value, m.Time.Format(timeFormat),
	); err != nil {
		db.setErr(fmt.Errorf("insert into attributechanges: %w", err))
	}
}
