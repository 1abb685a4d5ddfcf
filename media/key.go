package media

import (
	"errors"
	"net"
	"strings"
)

// DefaultVhost is used when a stream key is built without a vhost.
const DefaultVhost = "__defaultVhost__"

// ErrInvalidStreamURL is returned when a URL does not name an app and a stream.
var ErrInvalidStreamURL = errors.New("media: stream url needs app and stream")

// StreamKey builds the registry key vhost/app/stream.
func StreamKey(vhost, app, stream string) string {
	if vhost == "" {
		vhost = DefaultVhost
	}
	return vhost + "/" + app + "/" + stream
}

// ParseStreamURL turns a publish or play URL into a registry key. The
// scheme, port, query and surrounding slashes are dropped:
//
//	rtmp://live.example.com:1935/app/stream?token=x -> live.example.com/app/stream
//	app/stream                                      -> __defaultVhost__/app/stream
func ParseStreamURL(url string) (string, error) {
	s := url
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "/")

	parts := strings.Split(s, "/")
	var vhost, app, stream string
	switch {
	case len(parts) == 2:
		app, stream = parts[0], parts[1]
	case len(parts) >= 3:
		vhost = parts[0]
		app = strings.Join(parts[1:len(parts)-1], "/")
		stream = parts[len(parts)-1]
	default:
		return "", ErrInvalidStreamURL
	}
	if app == "" || stream == "" {
		return "", ErrInvalidStreamURL
	}

	if host, _, err := net.SplitHostPort(vhost); err == nil {
		vhost = host
	}
	return StreamKey(vhost, app, stream), nil
}
