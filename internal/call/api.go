package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAPI builds the webrtc API with the capture codecs, default interceptors
// and relaxed ICE timeouts.
func newAPI(codecs CodecConfigurer, cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := codecs.ConfigureMediaEngine(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A brief relay or NAT hiccup should not end the call; pion's default
	// disconnected timeout is 5s.
	disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keepAlive <= 0 {
		keepAlive = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (c Config) webrtcConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICEServers})
	}
	return webrtc.Configuration{ICEServers: servers}
}
