package feed

import (
	"encoding/json"
	"math"

	"github.com/tidwall/gjson"
)

// digests turn an extracted value into what gets published. The empty name
// publishes the value unchanged.
var digests = map[string]func(gjson.Result) any{
	"":        raw,
	"rle":     runLength,
	"compass": compass,
}

func raw(v gjson.Result) any {
	return json.RawMessage(v.Raw)
}

// runLength compresses runs of three or more equal array items into
// ["RLE", count, item]. Non-arrays are published unchanged.
func runLength(v gjson.Result) any {
	if !v.IsArray() {
		return raw(v)
	}

	items := v.Array()
	out := make([]any, 0, len(items))
	for i := 0; i < len(items); {
		j := i + 1
		for j < len(items) && items[j].Raw == items[i].Raw {
			j++
		}
		item := json.RawMessage(items[i].Raw)
		if n := j - i; n > 2 {
			out = append(out, []any{"RLE", n, item})
		} else {
			for k := i; k < j; k++ {
				out = append(out, item)
			}
		}
		i = j
	}
	return out
}

var compassPoints = []string{
	"N", "NNE", "NE", "ENE",
	"E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW",
	"W", "WNW", "NW", "NNW",
}

// compass renders a bearing in degrees as [degrees, point].
func compass(v gjson.Result) any {
	deg := v.Float()
	idx := int(math.Floor(deg/22.5+0.5)) % len(compassPoints)
	if idx < 0 {
		idx += len(compassPoints)
	}
	return []any{deg, compassPoints[idx]}
}
