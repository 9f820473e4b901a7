// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/octree"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
)

func newCmdServe() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "serve",
		Short:    "Serve a point cloud index over TCP",
		ArgsName: "dir",
	}
	host := cmd.Flags.String("host", "::", "Address to bind")
	port := cmd.Flags.Uint("port", 4567, "Port to bind")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("serve takes one directory argument, but got %v", argv)
		}
		return serve(argv[0], *host, *port)
	})
	return cmd
}

// Wire messages. The framing is one CBOR value per message in both
// directions; everything beyond this thin surface (LAS transfer, viewer
// navigation) lives in the client tools.
type helloMessage struct {
	Protocol   string              `cbor:"protocol"`
	Version    int                 `cbor:"version"`
	Scale      [3]float64          `cbor:"scale"`
	Offset     [3]float64          `cbor:"offset"`
	Attributes []settingsAttribute `cbor:"attributes"`
}

type clientMessage struct {
	Type string `cbor:"type"` // "insert" | "query"

	// insert: raw interleaved point records in the index layout, local
	// coordinates.
	Points []byte `cbor:"points,omitempty"`

	// query
	Query *querySpec `cbor:"query,omitempty"`
}

type querySpec struct {
	Kind   string     `cbor:"kind"` // "full" | "empty" | "lod" | "aabb"
	MaxLod uint8      `cbor:"max_lod,omitempty"`
	Min    [3]float64 `cbor:"min,omitempty"`
	Max    [3]float64 `cbor:"max,omitempty"`
}

type nodeMessage struct {
	Type   string `cbor:"type"` // "load" | "update" | "remove"
	Lod    uint8  `cbor:"lod"`
	X      int32  `cbor:"x"`
	Y      int32  `cbor:"y"`
	Z      int32  `cbor:"z"`
	Points []byte `cbor:"points,omitempty"`
}

func (q *querySpec) toQuery() (query.Query, error) {
	switch q.Kind {
	case "full":
		return query.Full{}, nil
	case "empty":
		return query.Empty{}, nil
	case "lod":
		return query.Lod{Max: geometry.LodLevel(q.MaxLod)}, nil
	case "aabb":
		return query.Aabb{Bounds: geometry.NewAabb(
			geometry.Vec3{X: q.Min[0], Y: q.Min[1], Z: q.Min[2]},
			geometry.Vec3{X: q.Max[0], Y: q.Max[1], Z: q.Max[2]})}, nil
	}
	return nil, fmt.Errorf("unknown query kind %q", q.Kind)
}

func serve(dir, host string, port uint) error {
	s, err := readSettings(dir)
	if err != nil {
		return err
	}
	params, err := s.octreeParams(dir)
	if err != nil {
		return err
	}
	o, err := octree.New(params)
	if err != nil {
		return err
	}
	writer := o.Writer()

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	log.Printf("serving %s on %v", dir, listener.Addr())

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutting down")
		close(stop)
		listener.Close() // nolint: errcheck
	}()

	var conns sync.WaitGroup
	srv := &server{octree: o, writer: writer, settings: s, stop: stop}
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				conns.Wait()
				return writer.Close()
			default:
				return err
			}
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			srv.handle(conn)
		}()
	}
}

type server struct {
	octree   *octree.Octree
	writer   *octree.Writer
	settings *settings
	stop     chan struct{}
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close() // nolint: errcheck
	log.Printf("connection from %v", conn.RemoteAddr())

	enc := cbor.NewEncoder(conn)
	dec := cbor.NewDecoder(conn)
	var sendMu sync.Mutex

	cs := s.octree.CoordinateSystem()
	hello := helloMessage{
		Protocol:   "lidarserv",
		Version:    1,
		Scale:      [3]float64{cs.Scale.X, cs.Scale.Y, cs.Scale.Z},
		Offset:     [3]float64{cs.Offset.X, cs.Offset.Y, cs.Offset.Z},
		Attributes: s.settings.Attributes,
	}
	if err := enc.Encode(hello); err != nil {
		log.Error.Printf("%v: sending hello: %v", conn.RemoteAddr(), err)
		return
	}

	// One query loop per connection; replaced when a new query arrives.
	var queryStop chan struct{}
	var queryDone sync.WaitGroup
	stopQuery := func() {
		if queryStop != nil {
			close(queryStop)
			queryDone.Wait()
			queryStop = nil
		}
	}
	defer stopQuery()

	for {
		var msg clientMessage
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				log.Error.Printf("%v: reading message: %v", conn.RemoteAddr(), err)
			}
			return
		}
		switch msg.Type {
		case "insert":
			batch, err := point.BufferFromBytes(s.octree.Layout(), msg.Points)
			if err == nil {
				err = s.writer.Insert(batch)
			}
			if err != nil {
				log.Error.Printf("%v: insert: %v", conn.RemoteAddr(), err)
				return
			}
		case "query":
			q, err := msg.Query.toQuery()
			if err != nil {
				log.Error.Printf("%v: %v", conn.RemoteAddr(), err)
				return
			}
			stopQuery()
			queryStop = make(chan struct{})
			queryDone.Add(1)
			go func(stop chan struct{}) {
				defer queryDone.Done()
				s.queryLoop(conn, enc, &sendMu, q, stop)
			}(queryStop)
		default:
			log.Error.Printf("%v: unknown message type %q", conn.RemoteAddr(), msg.Type)
			return
		}
	}
}

// queryLoop streams load/update/remove node messages for one query until
// stop closes.
func (s *server) queryLoop(conn net.Conn, enc *cbor.Encoder, sendMu *sync.Mutex, q query.Query, stop chan struct{}) {
	r, err := s.octree.Reader(q)
	if err != nil {
		log.Error.Printf("%v: preparing query: %v", conn.RemoteAddr(), err)
		return
	}
	defer r.Close()

	stopped := stopOrServer(stop, s.stop)
	send := func(msg nodeMessage) bool {
		sendMu.Lock()
		err := enc.Encode(msg)
		sendMu.Unlock()
		if err != nil {
			log.Error.Printf("%v: sending node: %v", conn.RemoteAddr(), err)
			return false
		}
		return true
	}
	for {
		progressed := false
		if cell, ok := r.RemoveOne(); ok {
			progressed = true
			if !send(nodeMessage{Type: "remove", Lod: uint8(cell.Lod),
				X: cell.Pos.X, Y: cell.Pos.Y, Z: cell.Pos.Z}) {
				return
			}
		}
		if cell, points, ok, err := r.LoadOne(); ok {
			if err != nil {
				log.Error.Printf("%v: loading %v: %v", conn.RemoteAddr(), cell, err)
				return
			}
			progressed = true
			if !send(nodeMessage{Type: "load", Lod: uint8(cell.Lod),
				X: cell.Pos.X, Y: cell.Pos.Y, Z: cell.Pos.Z, Points: points.Bytes()}) {
				return
			}
		}
		if cell, points, ok, err := r.ReloadOne(); ok {
			if err != nil {
				log.Error.Printf("%v: reloading %v: %v", conn.RemoteAddr(), cell, err)
				return
			}
			progressed = true
			if !send(nodeMessage{Type: "update", Lod: uint8(cell.Lod),
				X: cell.Pos.X, Y: cell.Pos.Y, Z: cell.Pos.Z, Points: points.Bytes()}) {
				return
			}
		}
		if progressed {
			select {
			case <-stop:
				return
			case <-s.stop:
				return
			default:
			}
			r.Update()
			continue
		}
		// Idle: block until the index changes or we are asked to stop.
		select {
		case <-stop:
			return
		case <-s.stop:
			return
		default:
		}
		if r.WaitUpdateOr(stopped) {
			return
		}
	}
}

// stopOrServer merges two stop channels into one.
func stopOrServer(a, b chan struct{}) <-chan struct{} {
	merged := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(merged)
	}()
	return merged
}
