//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2023 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingListener(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewPedanticRegistry())

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := CountingListener(inner, m.MetricsConnections)
	defer l.Close()

	client, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	conn, err := l.Accept()
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MetricsConnections))

	require.NoError(t, conn.Close())
	conn.Close()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.MetricsConnections), "closing twice counts once")
}
