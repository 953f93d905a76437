package metrics

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatMetricWithoutTags(t *testing.T) {
	client := &StatsdClient{}

	require.Equal(t, "event.proxy.error", client.formatMetric("event.proxy.error", nil))
}

func TestFormatMetricMergesAndEscapesTags(t *testing.T) {
	client := &StatsdClient{
		defaultTags: map[string]string{"host": "relay-1", "version": "abc"},
	}

	formatted := client.formatMetric("latency.proxy.tx_rtt", map[string]string{
		"client":  "::1",
		"version": "override",
	})

	require.Equal(
		t,
		"latency.proxy.tx_rtt,client=%3A%3A1,host=relay-1,version=override",
		formatted,
	)
}

func TestIPFromAddr(t *testing.T) {
	require.Equal(t, "10.0.0.1", ipFromAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 853}))
	require.Equal(t, "null", ipFromAddr(&net.TCPAddr{Port: 853}))
	require.Equal(t, "null", ipFromAddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
	require.Equal(t, "null", ipFromAddr(nil))
}
