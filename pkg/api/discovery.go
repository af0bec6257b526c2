package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DiscoveryMessage is the probe a client broadcasts to find units.
const DiscoveryMessage = "mastdiscovery1"

// DiscoveryReply tells a probing client where the unit's HTTP server is.
type DiscoveryReply struct {
	Port int    `json:"MastPort"`
	Unit string `json:"Unit"`
}

// DiscoveryResponder responds to MAST discovery requests.
type DiscoveryResponder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger

	ready chan *net.UDPAddr
}

// NewDiscoveryResponder answers probes received on addr:port with the HTTP
// port of the unit.
func NewDiscoveryResponder(addr string, port int, reply DiscoveryReply, logger log.FieldLogger) *DiscoveryResponder {
	response, _ := json.Marshal(reply)
	return &DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: response,
		logger:   logger,
		ready:    make(chan *net.UDPAddr, 1),
	}
}

// Ready delivers the bound address once Run is listening.
func (d *DiscoveryResponder) Ready() <-chan *net.UDPAddr {
	return d.ready
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer sock.Close()

	bound := sock.LocalAddr().(*net.UDPAddr)
	d.ready <- bound
	d.logger.Debugf("Discovery responder started on %s", bound)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Set a read deadline to periodically check for context cancellation
			sock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := sock.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr)

			if strings.Contains(data, DiscoveryMessage) {
				if _, err := sock.WriteToUDP(d.response, addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}
