package horde

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// legacyURLPattern pulls a link out of older payloads that wrap the URL in other text.
var legacyURLPattern = regexp.MustCompile(`https?://[^\s"'<>()]+`)

// NormalizeGenerations classifies every raw generation. A bad item is reported on the
// item itself and never fails the batch.
func NormalizeGenerations(raw []map[string]any) []models.Generation {
	out := make([]models.Generation, 0, len(raw))
	for _, r := range raw {
		out = append(out, NormalizeGeneration(r))
	}
	return out
}

// NormalizeGeneration resolves one provider generation into an inline image, a URL or an
// unrecognized item. A synthetic id is assigned when the provider sent none.
func NormalizeGeneration(raw map[string]any) models.Generation {
	g := models.Generation{
		ID:         stringField(raw, "id"),
		Seed:       stringField(raw, "seed"),
		Model:      stringField(raw, "model"),
		WorkerID:   stringField(raw, "worker_id"),
		WorkerName: stringField(raw, "worker_name"),
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if c, ok := raw["censored"].(bool); ok {
		g.Censored = c
	}

	img, _ := raw["img"].(string)
	img = strings.TrimSpace(img)
	switch {
	case img == "":
		g.Kind = models.ImageUnrecognized
		g.Raw = raw
		g.Error = "generation has no image payload"
	case isDirectURL(img):
		g.Kind = models.ImageURL
		g.URL = img
	case legacyURLPattern.MatchString(img):
		g.Kind = models.ImageURL
		g.URL = legacyURLPattern.FindString(img)
	default:
		data, err := decodeInline(img)
		if err != nil {
			g.Kind = models.ImageUnrecognized
			g.Raw = raw
			g.Error = "unrecognized image payload: " + err.Error()
			return g
		}
		g.Kind = models.ImageInline
		g.Data = data
	}
	return g
}

func isDirectURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n\"'<>")
}

// decodeInline accepts plain base64 or a data: URI.
func decodeInline(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, base64.CorruptInputError(0)
	}
	return data, nil
}

// stringField reads a field the provider may send as a string or a number.
func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}
