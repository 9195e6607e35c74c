package roborock

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

const broadcastPort = 58866

// broadcastHeaderLen covers version, sequence, protocol and payload length.
const broadcastHeaderLen = 3 + 4 + 2 + 2

// BroadcastMessage is one device announcement seen on the LAN.
type BroadcastMessage struct {
	DUID    string
	IP      string
	Version LocalProtocolVersion
}

// DiscoverBroadcast collects device announcements until ctx expires or
// timeout passes, whichever comes first.
func DiscoverBroadcast(ctx context.Context, timeout time.Duration) ([]BroadcastMessage, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: broadcastPort})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var out []BroadcastMessage
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return out, nil
			}
			return out, err
		}
		msg, err := decodeBroadcast(buf[:n])
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
}

func decodeBroadcast(data []byte) (BroadcastMessage, error) {
	if len(data) < broadcastHeaderLen+4 {
		return BroadcastMessage{}, errors.New("broadcast too short")
	}
	version := LocalProtocolVersion(data[:3])
	payloadEnd := broadcastHeaderLen + int(binary.BigEndian.Uint16(data[9:11]))
	if payloadEnd+4 > len(data) {
		return BroadcastMessage{}, fmt.Errorf("broadcast %s payload out of range", version)
	}
	sealed := data[broadcastHeaderLen:payloadEnd]

	var (
		payload []byte
		err     error
	)
	if version == LocalProtocolL01 {
		payload, err = gcmDecrypt(sha256Bytes([]byte(broadcastToken)), sha256Bytes(data[:9])[:12], nil, sealed)
	} else {
		payload, err = aesEcbDecrypt(sealed, []byte(broadcastToken))
	}
	if err != nil {
		return BroadcastMessage{}, fmt.Errorf("decrypt broadcast %s: %w", version, err)
	}

	var parsed struct {
		DUID string `json:"duid"`
		IP   string `json:"ip"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return BroadcastMessage{}, err
	}
	return BroadcastMessage{DUID: parsed.DUID, IP: parsed.IP, Version: version}, nil
}
