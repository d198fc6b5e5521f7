package ingest

import (
	"fmt"
	"strings"
)

// Message kinds carried in the third topic segment.
const (
	kindData = "data"
	kindGps  = "gps"
)

// parseTopic validates a "<namespace>/<deviceID>/<kind>" topic and returns
// the device id and kind. Anything else is unroutable.
func parseTopic(namespace, topic string) (deviceID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("malformed topic: %q", topic)
	}
	if parts[0] != namespace {
		return "", "", fmt.Errorf("unexpected namespace: %q", topic)
	}
	deviceID, kind = parts[1], parts[2]
	if deviceID == "" {
		return "", "", fmt.Errorf("empty device id: %q", topic)
	}
	if kind != kindData && kind != kindGps {
		return "", "", fmt.Errorf("unknown message kind: %q", topic)
	}
	return deviceID, kind, nil
}
