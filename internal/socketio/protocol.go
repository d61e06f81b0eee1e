package socketio

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type enginePacketType byte

const (
	engineOpen    enginePacketType = '0'
	engineClose   enginePacketType = '1'
	enginePing    enginePacketType = '2'
	enginePong    enginePacketType = '3'
	engineMessage enginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect      socketPacketType = '0'
	socketDisconnect   socketPacketType = '1'
	socketEvent        socketPacketType = '2'
	socketAck          socketPacketType = '3'
	socketConnectError socketPacketType = '4'
)

const defaultNamespace = "/"

// packet is a decoded Socket.IO packet (the part after the Engine.IO "4").
type packet struct {
	Type      socketPacketType
	Namespace string
	ID        *int
	Data      string
}

func parseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return defaultNamespace, s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return s, ""
	}
	return s[:comma], s[comma+1:]
}

func parseOptionalIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

func parsePacket(payload string) (packet, error) {
	if payload == "" {
		return packet{}, errors.New("empty payload")
	}
	p := packet{Type: socketPacketType(payload[0])}
	switch p.Type {
	case socketConnect, socketDisconnect, socketEvent, socketAck, socketConnectError:
	default:
		return packet{}, errors.New("unknown packet type")
	}
	ns, rest := parseOptionalNamespace(payload[1:])
	p.Namespace = ns
	if p.Type == socketEvent || p.Type == socketAck {
		p.ID, rest = parseOptionalIDPrefix(rest)
	}
	p.Data = rest
	return p, nil
}

// eventPacket is an EVENT packet whose data is ["name", args...].
type eventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

func decodeEvent(p packet) (eventPacket, error) {
	if p.Type != socketEvent {
		return eventPacket{}, errors.New("not an event packet")
	}
	if !strings.HasPrefix(p.Data, "[") {
		return eventPacket{}, errors.New("invalid event payload")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(p.Data), &arr); err != nil {
		return eventPacket{}, err
	}
	if len(arr) == 0 {
		return eventPacket{}, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return eventPacket{}, errors.New("invalid event name")
	}
	return eventPacket{Namespace: p.Namespace, ID: p.ID, Event: name, Args: arr[1:]}, nil
}

func decodeAckArgs(p packet) ([]json.RawMessage, error) {
	if p.ID == nil {
		return nil, errors.New("missing ack id")
	}
	if !strings.HasPrefix(p.Data, "[") {
		return nil, errors.New("invalid ack payload")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(p.Data), &arr); err != nil {
		return nil, err
	}
	return arr, nil
}

func encodePacket(t socketPacketType, namespace string, id *int, data []byte) string {
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(t))
	if namespace != "" && namespace != defaultNamespace {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String()
}

func buildEventPacket(namespace string, id *int, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}
	return encodePacket(socketEvent, namespace, id, data), nil
}

func buildAckPacket(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return encodePacket(socketAck, namespace, &id, data), nil
}

func buildConnectPacket(namespace string, body any) (string, error) {
	if body == nil {
		return encodePacket(socketConnect, namespace, nil, nil), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return encodePacket(socketConnect, namespace, nil, data), nil
}

func buildConnectErrorPacket(namespace string, message string) string {
	data, _ := json.Marshal(map[string]string{"message": message})
	return encodePacket(socketConnectError, namespace, nil, data)
}

func buildDisconnectPacket(namespace string) string {
	return encodePacket(socketDisconnect, namespace, nil, nil)
}
