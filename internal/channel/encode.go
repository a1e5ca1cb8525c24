package channel

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"argusagent/internal/metric"
)

// EncodeText renders a batch in Prometheus-exposition-like line form:
// "name{label="value",...} value timestamp_ms". This is the wire form
// every sink encodes before transport-specific wrapping (compression,
// msgpack framing, topic routing). Hand-rolled rather than routed through
// prometheus/common/expfmt: that package encodes from a protobuf
// MetricFamily model, and building one for a single fan-out line format
// would cost more than it buys here (expfmt earns its keep on the
// scrape-decode side, in internal/schedule/scrape).
func EncodeText(batch metric.Batch) []byte {
	var buf bytes.Buffer
	for _, m := range batch.Metrics {
		buf.WriteString(m.Name)
		if len(m.Labels) > 0 {
			keys := make([]string, 0, len(m.Labels))
			for k := range m.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			buf.WriteByte('{')
			for i, k := range keys {
				if i > 0 {
					buf.WriteByte(',')
				}
				fmt.Fprintf(&buf, "%s=%q", k, m.Labels[k])
			}
			buf.WriteByte('}')
		}
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatFloat(m.Value, 'g', -1, 64))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(m.Timestamp.UnixMilli(), 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
