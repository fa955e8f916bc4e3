// Package rundb records run activity (run starts and stops, per-board sample
// totals) to a ClickHouse database. It never stores acquired sample data. Every
// operation is best effort: a missing or failed database connection is logged
// once and all later calls become no-ops.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "duostream" // official SQL name of the database

// RunEvent says which end of a run a message describes.
type RunEvent int

// The run events worth a database row.
const (
	RunStarted RunEvent = iota
	RunStopped
)

func (e RunEvent) String() string {
	if e == RunStarted {
		return "started"
	}
	return "stopped"
}

// BoardActivity is one board's contribution to a run message.
type BoardActivity struct {
	Name        string
	BoardID     int
	SentSamples int
}

// RunMessage describes one run-lifecycle event.
type RunMessage struct {
	RunID     string
	Event     RunEvent
	Timestamp time.Time
	Boards    []BoardActivity
}

// Connection wraps the ClickHouse connection and the channel feeding its
// handler goroutine.
type Connection struct {
	conn   clickhouse.Conn
	err    error
	runmsg chan *RunMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.err == nil
}

// Start opens the database connection and launches the handler goroutine,
// which runs until abort is closed. The returned Connection is usable (as a
// no-op) even when the database is unreachable.
func Start(abort <-chan struct{}) *Connection {
	db := connect()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

func connect() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("DUOSTREAM_DB_USER"),
		Password: os.Getenv("DUOSTREAM_DB_PASSWORD"),
	}
	opt := clickhouse.Options{
		Addr: []string{"localhost:9000"},
		Auth: auth,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s\n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.Add(1)
	return db
}

// PingServer checks that a database server is reachable with the configured
// credentials.
func PingServer() error {
	db := connect()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.conn.Close()
			return
		case msg := <-db.runmsg:
			db.handleRunMessage(msg)
		}
	}
}

// Record stores one run-lifecycle message in the database, if it's open. It
// blocks until the handler accepts the message, so a run's start row is in
// place before its stop row can be written.
func (db *Connection) Record(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	stamp := m.Timestamp.Format("2006-01-02 15:04:05.000000")
	for _, b := range m.Boards {
		if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?)`, nowait,
			m.RunID, m.Event.String(), b.Name, b.BoardID, b.SentSamples, stamp,
		); err != nil {
			fmt.Println("Error raised on AsyncInsert into runs ", err)
			db.err = err
		}
	}
}
