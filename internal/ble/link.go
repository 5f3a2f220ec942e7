package ble

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Peer is a connected central.
type Peer struct {
	ConnHandle  uint16 `json:"conn_handle"`
	Address     string `json:"address"`
	AddressType uint8  `json:"address_type"`
}

// Advertising data types.
const (
	adFlags       = 0x01
	adUUID16All   = 0x03
	adNameShort   = 0x08
	adNameFull    = 0x09
	adMaxPayload  = 31
	adGeneralDisc = 0x02
	adNoBREDR     = 0x04
)

// Link speaks the framed protocol to a BLE controller. Incoming ATT reads and
// writes are served from a GATT Registry; connection events are reported to
// the registered callbacks.
type Link struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	gatt   *Registry
	logger *slog.Logger

	seq     atomic.Uint32
	writeMu sync.Mutex

	handlerMu      sync.RWMutex
	onConnected    func(Peer)
	onDisconnected func(Peer, uint8)

	peersMu sync.Mutex
	peers   map[uint16]Peer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the controller's serial port and starts the link.
func Open(portName string, baudRate int, gatt *Registry, logger *slog.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ble link: open %s: %w", portName, err)
	}

	// USB CDC ACM controllers wait for DTR before sending.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return NewLink(port, gatt, logger), nil
}

// NewLink starts a link over an already open port.
func NewLink(port io.ReadWriteCloser, gatt *Registry, logger *slog.Logger) *Link {
	l := &Link{
		port:   port,
		reader: bufio.NewReader(port),
		gatt:   gatt,
		logger: logger.With("component", "ble"),
		peers:  make(map[uint16]Peer),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// OnConnected sets the callback for new connections. Callbacks run on the
// read goroutine and must not call Close.
func (l *Link) OnConnected(fn func(Peer)) {
	l.handlerMu.Lock()
	l.onConnected = fn
	l.handlerMu.Unlock()
}

// OnDisconnected sets the callback for dropped connections.
func (l *Link) OnDisconnected(fn func(Peer, uint8)) {
	l.handlerMu.Lock()
	l.onDisconnected = fn
	l.handlerMu.Unlock()
}

// Advertise starts connectable advertising with the service UUIDs in the
// advertisement and the device name in the scan response.
func (l *Link) Advertise(name string, uuids ...uint16) error {
	adv, scan := BuildAdvertisement(name, uuids...)
	payload := make([]byte, 0, 2+len(adv)+len(scan))
	payload = append(payload, byte(len(adv)))
	payload = append(payload, adv...)
	payload = append(payload, byte(len(scan)))
	payload = append(payload, scan...)
	if err := l.send(opAdvStart, payload); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	l.logger.Info("advertising started", "name", name)
	return nil
}

// StopAdvertising stops advertising.
func (l *Link) StopAdvertising() error {
	if err := l.send(opAdvStop, nil); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	l.logger.Info("advertising stopped")
	return nil
}

// Notify pushes a value of a notifiable characteristic to subscribed peers.
func (l *Link) Notify(handle uint16, value []byte) error {
	c, ok := l.gatt.Characteristic(handle)
	if !ok {
		return fmt.Errorf("notify 0x%04X: %w", handle, ErrInvalidHandle)
	}
	if !c.CanNotify() {
		return fmt.Errorf("notify %s: not notifiable", c.Name)
	}
	payload := make([]byte, 2+len(value))
	binary.LittleEndian.PutUint16(payload[0:2], handle)
	copy(payload[2:], value)
	return l.send(opNotify, payload)
}

// Peers returns the currently connected centrals.
func (l *Link) Peers() []Peer {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	out := make([]Peer, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

// Close stops the link and waits for the read loop to exit.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	l.wg.Wait()
	return err
}

func (l *Link) send(opcode uint8, payload []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	raw := encodeFrame(uint8(l.seq.Add(1)), opcode, payload)

	l.writeMu.Lock()
	_, err := l.port.Write(raw)
	l.writeMu.Unlock()
	if err != nil {
		select {
		case <-l.done:
			return ErrLinkClosed
		default:
		}
		return fmt.Errorf("serial write: %w", err)
	}
	l.logger.Debug("ble TX", "op", opName(opcode), "len", len(payload))
	return nil
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-l.done:
			return
		default:
		}

		raw, err := readRawFrame(l.reader)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				l.logger.Error("ble read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		f, err := decodeFrame(raw)
		if err != nil {
			l.logger.Warn("ble frame decode error", "err", err)
			continue
		}
		l.logger.Debug("ble RX", "op", opName(f.Opcode), "seq", f.Seq, "len", len(f.Payload))
		l.handleFrame(f)
	}
}

func (l *Link) handleFrame(f *frame) {
	switch f.Opcode {
	case opWriteInd:
		l.handleWrite(f.Payload)
	case opReadInd:
		l.handleRead(f.Payload)
	case opConnectedInd:
		l.handleConnected(f.Payload)
	case opDisconnectedInd:
		l.handleDisconnected(f.Payload)
	default:
		l.logger.Warn("ble unhandled frame", "op", opName(f.Opcode))
	}
}

func (l *Link) handleWrite(p []byte) {
	if len(p) < 6 {
		l.logger.Warn("ble write indication too short", "len", len(p))
		return
	}
	conn := binary.LittleEndian.Uint16(p[0:2])
	handle := binary.LittleEndian.Uint16(p[2:4])
	offset := binary.LittleEndian.Uint16(p[4:6])
	value := p[6:]

	err := l.gatt.Write(handle, offset, value)
	code := ATTCode(err)
	if err != nil {
		l.logger.Warn("gatt write rejected",
			"conn", conn, "handle", fmt.Sprintf("0x%04X", handle), "offset", offset,
			"len", len(value), "err", err)
	} else {
		l.logger.Info("gatt write", "conn", conn, "handle", fmt.Sprintf("0x%04X", handle), "len", len(value))
	}

	rsp := make([]byte, 5)
	binary.LittleEndian.PutUint16(rsp[0:2], conn)
	binary.LittleEndian.PutUint16(rsp[2:4], handle)
	rsp[4] = code
	if err := l.send(opWriteRsp, rsp); err != nil {
		l.logger.Error("ble send write response failed", "err", err)
	}
}

func (l *Link) handleRead(p []byte) {
	if len(p) < 6 {
		l.logger.Warn("ble read indication too short", "len", len(p))
		return
	}
	conn := binary.LittleEndian.Uint16(p[0:2])
	handle := binary.LittleEndian.Uint16(p[2:4])
	offset := int(binary.LittleEndian.Uint16(p[4:6]))

	value, err := l.gatt.Read(handle)
	if err == nil {
		if offset > len(value) {
			value, err = nil, ErrInvalidOffset
		} else {
			value = value[offset:]
		}
	}
	if err != nil {
		l.logger.Warn("gatt read rejected", "conn", conn, "handle", fmt.Sprintf("0x%04X", handle), "err", err)
	}

	rsp := make([]byte, 5+len(value))
	binary.LittleEndian.PutUint16(rsp[0:2], conn)
	binary.LittleEndian.PutUint16(rsp[2:4], handle)
	rsp[4] = ATTCode(err)
	copy(rsp[5:], value)
	if err := l.send(opReadRsp, rsp); err != nil {
		l.logger.Error("ble send read response failed", "err", err)
	}
}

func (l *Link) handleConnected(p []byte) {
	if len(p) < 9 {
		l.logger.Warn("ble connected indication too short", "len", len(p))
		return
	}
	peer := Peer{
		ConnHandle:  binary.LittleEndian.Uint16(p[0:2]),
		AddressType: p[2],
		Address:     formatAddress(p[3:9]),
	}
	l.peersMu.Lock()
	l.peers[peer.ConnHandle] = peer
	l.peersMu.Unlock()
	l.logger.Info("connection established", "addr", peer.Address, "conn", peer.ConnHandle)

	l.handlerMu.RLock()
	fn := l.onConnected
	l.handlerMu.RUnlock()
	if fn != nil {
		fn(peer)
	}
}

func (l *Link) handleDisconnected(p []byte) {
	if len(p) < 3 {
		l.logger.Warn("ble disconnected indication too short", "len", len(p))
		return
	}
	conn := binary.LittleEndian.Uint16(p[0:2])
	reason := p[2]

	l.peersMu.Lock()
	peer, ok := l.peers[conn]
	delete(l.peers, conn)
	l.peersMu.Unlock()
	if !ok {
		peer = Peer{ConnHandle: conn}
	}
	l.logger.Info("disconnected", "addr", peer.Address, "reason", fmt.Sprintf("0x%02x", reason))

	l.handlerMu.RLock()
	fn := l.onDisconnected
	l.handlerMu.RUnlock()
	if fn != nil {
		fn(peer, reason)
	}
}

// formatAddress renders a little-endian device address as AA:BB:CC:DD:EE:FF.
func formatAddress(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}

// BuildAdvertisement returns the advertising data (flags and complete 16-bit
// UUID list) and the scan response (device name, shortened if it does not fit).
func BuildAdvertisement(name string, uuids ...uint16) (adv, scan []byte) {
	adv = []byte{2, adFlags, adGeneralDisc | adNoBREDR}
	if len(uuids) > 0 {
		adv = append(adv, byte(1+2*len(uuids)), adUUID16All)
		for _, u := range uuids {
			adv = binary.LittleEndian.AppendUint16(adv, u)
		}
	}
	if name != "" {
		kind := byte(adNameFull)
		if len(name) > adMaxPayload-2 {
			name = name[:adMaxPayload-2]
			kind = adNameShort
		}
		scan = append(scan, byte(1+len(name)), kind)
		scan = append(scan, name...)
	}
	return adv, scan
}
