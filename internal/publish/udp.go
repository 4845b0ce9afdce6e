package publish

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/gridcapture/internal/monitoring"
)

// MaxDatagram is the largest payload a single UDP datagram can carry.
const MaxDatagram = 65507

// UDPSink sends each message as one protobuf-encoded datagram. Sending is
// asynchronous: Publish only queues, and a full queue drops the message.
type UDPSink struct {
	conn        *net.UDPConn
	channel     chan []byte
	logInterval time.Duration
	address     string
	log         *logrus.Entry

	sent      atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPSink dials addr ("host:port"). Call Start to begin sending.
func NewUDPSink(addr string, logInterval time.Duration) (*UDPSink, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve publish address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	return &UDPSink{
		conn:        conn,
		channel:     make(chan []byte, 256),
		logInterval: logInterval,
		address:     addr,
		log:         monitoring.Component("publish").WithField("sink", "udp://"+addr),
		done:        make(chan struct{}),
	}, nil
}

// Start runs the send loop until ctx is done or the sink is closed.
func (u *UDPSink) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(u.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-u.done:
				return
			case packet := <-u.channel:
				if _, err := u.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
					u.dropped.Add(1)
					continue
				}
				u.sent.Add(1)
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					u.log.Warnf("Dropped %d published packets due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()
	u.log.Infof("Publishing to %s", u.address)
}

// Advertise is a no-op: datagrams are self-describing.
func (u *UDPSink) Advertise(topic, msgType string) error { return nil }

// Publish encodes msg and queues it without blocking.
func (u *UDPSink) Publish(topic string, msg Message) error {
	if u.closed.Load() {
		return ErrNotConnected
	}
	packet, err := EncodeDatagram(topic, msg)
	if err != nil {
		return err
	}
	if len(packet) > MaxDatagram {
		u.dropped.Add(1)
		return fmt.Errorf("publish: %s message of %d bytes exceeds datagram limit", topic, len(packet))
	}
	select {
	case u.channel <- packet:
	default:
		u.dropped.Add(1)
	}
	return nil
}

// Connected is true until Close: UDP has no connection to lose.
func (u *UDPSink) Connected() bool { return !u.closed.Load() }

// Stats returns the number of datagrams sent and dropped.
func (u *UDPSink) Stats() (sent, dropped uint64) {
	return u.sent.Load(), u.dropped.Load()
}

// Close stops the send loop and closes the socket.
func (u *UDPSink) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

// EncodeDatagram wraps msg in a rosbridge-style publish envelope and
// marshals it as a protobuf Struct.
func EncodeDatagram(topic string, msg Message) ([]byte, error) {
	envelope, err := structpb.NewStruct(map[string]any{
		"op":    "publish",
		"topic": topic,
		"type":  msg.Type(),
		"msg":   msg.Fields(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", topic, err)
	}
	return proto.Marshal(envelope)
}

// DecodeDatagram is the inverse of EncodeDatagram.
func DecodeDatagram(b []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}
