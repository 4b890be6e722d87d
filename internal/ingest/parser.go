package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"basewatch/internal/model"
)

// Parser turns one scan report line into an observation. Two shapes are
// accepted: a JSON object, or the compact text form the scan radios emit:
//
//	WIFI AA:BB:CC:DD:EE:FF -52 6 MyAccessPoint
//	BLE  11:22:33:44:55:66 -70
//
// Blank lines and comments parse to (nil, nil).
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) ParseLine(line string) (*model.Observation, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return ParseJSONBytes([]byte(trim))
	}
	return parsePlain(trim)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*model.Observation, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return nil, errors.New("expected: WIFI|BLE <mac> <rssi> [channel] [name]")
	}

	var isBLE bool
	switch strings.ToUpper(tokens[0]) {
	case "WIFI":
		isBLE = false
	case "BLE":
		isBLE = true
	default:
		return nil, fmt.Errorf("unknown radio %q", tokens[0])
	}

	addr, err := model.ParseKey(tokens[1])
	if err != nil {
		return nil, err
	}
	rssi, err := parseRSSI(tokens[2])
	if err != nil {
		return nil, err
	}

	obs := &model.Observation{Addr: addr, RSSI: rssi, IsBLE: isBLE}
	rest := tokens[3:]
	if !isBLE && len(rest) > 0 {
		if ch, err := strconv.Atoi(rest[0]); err == nil && ch >= 1 && ch <= 255 {
			obs.Channel = uint8(ch)
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		obs.Name = strings.Join(rest, " ")
	}
	return obs, nil
}

func parseRSSI(s string) (int8, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad rssi %q: %w", s, err)
	}
	if v < -128 || v > 0 {
		return 0, fmt.Errorf("rssi %d outside -128..0", v)
	}
	return int8(v), nil
}

type jsonObservation struct {
	Type    string `json:"type"`
	MAC     string `json:"mac"`
	RSSI    int    `json:"rssi"`
	Channel int    `json:"channel"`
	Name    string `json:"name"`
}

func ParseJSONBytes(data []byte) (*model.Observation, error) {
	var obj jsonObservation
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return parseJSONObservation(obj)
}

func parseJSONObservation(obj jsonObservation) (*model.Observation, error) {
	addr, err := model.ParseKey(obj.MAC)
	if err != nil {
		return nil, err
	}
	if obj.RSSI < -128 || obj.RSSI > 0 {
		return nil, fmt.Errorf("rssi %d outside -128..0", obj.RSSI)
	}
	obs := &model.Observation{
		Addr:  addr,
		RSSI:  int8(obj.RSSI),
		IsBLE: strings.EqualFold(obj.Type, "ble"),
		Name:  obj.Name,
	}
	if obj.Channel >= 1 && obj.Channel <= 255 {
		obs.Channel = uint8(obj.Channel)
	}
	return obs, nil
}
