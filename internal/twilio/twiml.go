package twilio

import (
	"encoding/xml"
	"sort"
	"strings"
)

// TwiML document shapes for the connection-instruction response.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
	Pause   *twimlPause  `xml:"Pause,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

// StreamURL derives the advertised media-stream endpoint from the public
// base URL. The provider requires a secure websocket, so the scheme is
// always forced to wss.
func StreamURL(publicBaseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "wss://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"):
		base = "wss://" + strings.TrimPrefix(base, "ws://")
	case !strings.HasPrefix(base, "wss://"):
		base = "wss://" + base
	}
	return base + "/ws"
}

// ConnectStreamTwiML renders the connection-instruction document pointing
// the provider at streamURL, embedding params as stream-level metadata that
// comes back in the start event's customParameters. A nil or empty params
// map yields a valid, parameter-free document.
func ConnectStreamTwiML(streamURL string, params map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parameters := make([]twimlParameter, 0, len(keys))
	for _, k := range keys {
		parameters = append(parameters, twimlParameter{Name: k, Value: params[k]})
	}

	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: streamURL, Parameters: parameters},
		},
		// Keep the call leg alive briefly if the stream drops.
		Pause: &twimlPause{Length: 20},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
