/*Package mqtt runs the embedded MQTT broker that player devices connect to.

The broker's TLS listener is the single revocation enforcement point: every
inbound connection presents a client certificate, and a certificate whose
serial is on the revocation list fails the handshake before any application
message is accepted. Upstream issuance and revocation are meaningless if
this check is skipped, so the check runs on every connection attempt against
the CA manager's current snapshot, with no caching of its own.
*/
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/google/uuid"

	"github.com/artcast-tech/artcast/core/logger"
	"github.com/artcast-tech/artcast/protocol"
	"github.com/artcast-tech/artcast/ratelimit"
)

// ErrBrokerNotReady means a publish was attempted before Run() brought the
// broker up. Notifications are droppable by contract; command publishers get
// the error instead of a correlation timeout.
var ErrBrokerNotReady = errors.New("broker is not running yet")

// RevocationChecker is the part of the CA manager the enforcement point
// needs. IsRevoked must be safe for concurrent, lock-free use, it runs on
// every connection attempt.
type RevocationChecker interface {
	IsRevoked(serial *big.Int) bool
}

// DeviceRegistry records device activity observed by the broker.
type DeviceRegistry interface {
	SetLastSeen(deviceID uuid.UUID) error
}

// RequestHandler executes one device-initiated request and returns the
// response payload.
type RequestHandler func(ctx context.Context, request protocol.Envelope) ([]byte, error)

// Broker is the MQTT broker for player devices.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the
	// certificate authority. This is mandatory.
	CACertFile string
	// CertFile is the file path to the broker's X.509 certificate file.
	// This is mandatory.
	CertFile string
	// KeyFile is the file path to the broker's X.509 private key file.
	// This is mandatory.
	KeyFile string
	// ListenAddr is the TLS listen address. Defaults to ":8883".
	ListenAddr string
	// Revocations is consulted on every connection attempt. This is
	// mandatory.
	Revocations RevocationChecker
	// Registry records device activity. This is mandatory.
	Registry DeviceRegistry
	// Limiter bounds device request execution. This is mandatory.
	Limiter *ratelimit.Limiter
	// Correlator pairs command responses. Defaults to a new correlator with
	// the default timeout.
	Correlator *protocol.Correlator
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln          net.Listener
	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]uuid.UUID

	// service is nil until gmqtt loads the plugin; publishing checks first
	serviceRwmux sync.RWMutex
	service      gmqtt.Server

	revocations RevocationChecker
	registry    DeviceRegistry
	limiter     *ratelimit.Limiter
	correlator  *protocol.Correlator

	handlersRwmux sync.RWMutex
	handlers      map[string]RequestHandler
}

// NewBroker returns a new broker. The broker will not actually run until you
// call Run(). The revocation list must be initialized before that, otherwise
// the system is briefly open to unauthenticated devices.
func NewBroker(bb *Builder) *Broker {

	if len(bb.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}
	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}
	if bb.Revocations == nil {
		panic("revocation checker is missing")
	}
	if bb.Registry == nil {
		panic("device registry is missing")
	}
	if bb.Limiter == nil {
		panic("limiter is missing")
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}

	caCert, err := os.ReadFile(bb.CACertFile)
	if err != nil {
		panic(err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		panic("cannot load CA certificate pool from " + bb.CACertFile)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	listenAddr := bb.ListenAddr
	if len(listenAddr) == 0 {
		listenAddr = ":8883"
	}
	tlsln, err := tls.Listen("tcp", listenAddr, tlsConfig)
	if err != nil {
		panic(err)
	}

	correlator := bb.Correlator
	if correlator == nil {
		correlator = protocol.NewCorrelator(0)
	}

	return &Broker{
		p: &plugin{
			tlsln:       tlsln,
			deviceIds:   make(map[net.Conn]uuid.UUID),
			revocations: bb.Revocations,
			registry:    bb.Registry,
			limiter:     bb.Limiter,
			correlator:  correlator,
			handlers:    make(map[string]RequestHandler),
		},
	}
}

// HandleRequest registers the handler for a device request name. Requests
// with no registered handler are answered with an error response.
func (b *Broker) HandleRequest(name string, handler RequestHandler) {
	b.p.handlersRwmux.Lock()
	defer b.p.handlersRwmux.Unlock()
	b.p.handlers[name] = handler
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM for a
// graceful shutdown.
func (b *Broker) Run() {

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	logger.Default().Infoln("broker started on", b.p.tlsln.Addr())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logger.Default().Infoln("broker stopped")
}

// ExecuteCommand sends a command to the device and waits for its result.
//
// The command envelope carries a fresh correlation ID; the result arrives
// asynchronously on the device's results topic and is paired by the
// correlator. A zero timeout selects the correlator's default. When the
// device answers with an error, ExecuteCommand returns that error message;
// when it does not answer in time, protocol.ErrRequestTimeout.
func (b *Broker) ExecuteCommand(ctx context.Context, deviceID uuid.UUID, name string, payload []byte, timeout time.Duration) (protocol.Envelope, error) {
	env := protocol.NewCommand(deviceID, name, payload)
	data, err := env.Encode()
	if err != nil {
		return protocol.Envelope{}, err
	}

	// register before publishing, a fast device must not win the race
	pending, err := b.p.correlator.Register(env.CorrelationID)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if err := b.PublishMessageQ1(protocol.CommandTopic(deviceID), data); err != nil {
		pending.Cancel()
		return protocol.Envelope{}, err
	}

	response, err := pending.Wait(ctx, timeout)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if response.Error != "" {
		return response, errors.New(response.Error)
	}
	return response, nil
}

// PublishNotification sends a fire-and-forget notification to the device.
// Delivery is at-least-once for connected devices; there is no retained
// delivery. A device that is offline misses the notification and is
// expected to re-synchronize via the API on reconnect.
func (b *Broker) PublishNotification(deviceID uuid.UUID, name string, payload []byte) error {
	env := protocol.NewNotification(deviceID, name, payload)
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return b.PublishMessageQ1(protocol.NotificationTopic(deviceID), data)
}

// PublishMessageQ1 publishes an MQTT message with quality level 1. It returns
// ErrBrokerNotReady before Run() has brought the broker up.
func (b *Broker) PublishMessageQ1(topic string, payload []byte) error {
	service := b.p.publishService()
	if service == nil {
		return ErrBrokerNotReady
	}
	logger.Default().Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	service.PublishService().Publish(msg)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceRwmux.Lock()
	p.service = service
	p.serviceRwmux.Unlock()
	return nil
}

func (p *plugin) publishService() gmqtt.Server {
	p.serviceRwmux.RLock()
	defer p.serviceRwmux.RUnlock()
	return p.service
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "artcast broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) uuid.UUID {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	deviceID := p.deviceIds[conn]
	return deviceID
}

// OnAcceptWrapper authorizes clients via TLS certificates. This is the
// revocation enforcement point: a certificate presenting a revoked serial
// fails here, before any application-level message is accepted.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]

			if p.revocations.IsRevoked(cert.SerialNumber) {
				logger.Default().Warningln("auth rejected, certificate serial",
					cert.SerialNumber.Text(16), "is revoked")
				return false
			}

			commonName := cert.Subject.CommonName
			deviceID, err := uuid.Parse(commonName)
			if err != nil {
				logger.Default().Warningln("invalid device ID in certificate:", commonName)
				return false
			}

			p.deviceIdsRwmux.Lock()
			p.deviceIds[conn] = deviceID
			p.deviceIdsRwmux.Unlock()
			logger.Default().Infoln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// authorizeConnect pins the MQTT client ID to the certificate identity
// established at accept time. A connection that never passed the certificate
// check has no identity and is denied.
func (p *plugin) authorizeConnect(conn net.Conn, clientID string) (uuid.UUID, bool) {
	deviceID := p.deviceIDFromConnection(conn)
	if deviceID == (uuid.UUID{}) || clientID != deviceID.String() {
		return uuid.UUID{}, false
	}
	return deviceID, true
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate
// common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID, ok := p.authorizeConnect(client.Connection(), client.OptionsReader().ClientID())
		if !ok {
			logger.Default().Warningln("connect denied,", client.OptionsReader().ClientID(), "not authorized")
			return packets.CodeNotAuthorized
		}
		logger.Default().Infoln("connect", deviceID)
		if err := p.registry.SetLastSeen(deviceID); err != nil {
			logger.Default().WithError(err).Errorln("cannot record last seen for", deviceID)
		}
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces the topic policy: a device may only subscribe
// to its own command, notification and response topics, never to another
// device's subtree.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID, err := uuid.Parse(client.OptionsReader().ClientID())
		if err != nil || !protocol.CanSubscribe(deviceID, topic.Name) {
			logger.Default().Warningln("subscribe", client.OptionsReader().ClientID(), topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().Infoln("subscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper intercepts messages published by devices. Command
// results are routed to the correlator, requests are rate limited and
// dispatched to their handler.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID, err := uuid.Parse(client.OptionsReader().ClientID())
		if err != nil {
			return false
		}
		topic := msg.Topic()

		if !protocol.CanPublish(deviceID, topic) {
			logger.Default().Warningln("publish", deviceID, topic, "denied!")
			return false
		}
		class, _, _ := protocol.ParseTopic(topic)

		ctx, rlog := logger.ContextWithLoggerIdentity(ctx, deviceID.String())

		if err := p.registry.SetLastSeen(deviceID); err != nil {
			rlog.WithError(err).Errorln("cannot record last seen")
		}

		env, err := protocol.DecodeEnvelope(msg.Payload())
		if err != nil {
			rlog.WithError(err).Warningln("invalid envelope on", topic)
			return false
		}
		if env.DeviceID != deviceID {
			rlog.Warningln("envelope claims foreign device identity", env.DeviceID)
			return false
		}

		switch class {
		case protocol.ClassResults:
			p.correlator.Resolve(env)
		case protocol.ClassRequests:
			p.handleDeviceRequest(ctx, env)
		}

		return arrived(ctx, client, msg)
	}
}

// handleDeviceRequest executes one device-initiated request and publishes
// the response on the device's response topic. Rate limits and handler
// errors are surfaced to the device as typed error responses, never as
// silent drops.
func (p *plugin) handleDeviceRequest(ctx context.Context, request protocol.Envelope) {
	rlog := logger.FromContext(ctx)

	respond := func(response protocol.Envelope) {
		data, err := response.Encode()
		if err != nil {
			rlog.WithError(err).Errorln("cannot encode response", response.CorrelationID)
			return
		}
		service := p.publishService()
		if service == nil {
			return
		}
		msg := gmqtt.NewMessage(protocol.ResponseTopic(request.DeviceID), data, packets.QOS_1)
		service.PublishService().Publish(msg)
	}

	err := p.limiter.Allow(ctx, ratelimit.ClassDeviceRequest, request.DeviceID.String())
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			respond(protocol.NewErrorResponse(request, "rate limited"))
			return
		}
		rlog.WithError(err).Errorln("device request rejected")
		respond(protocol.NewErrorResponse(request, "request rejected"))
		return
	}

	p.handlersRwmux.RLock()
	handler, ok := p.handlers[request.Name]
	p.handlersRwmux.RUnlock()
	if !ok {
		respond(protocol.NewErrorResponse(request, fmt.Sprintf("unknown request %q", request.Name)))
		return
	}

	payload, err := handler(ctx, request)
	if err != nil {
		rlog.WithError(err).Warningln("request handler failed for", request.Name)
		respond(protocol.NewErrorResponse(request, err.Error()))
		return
	}
	respond(protocol.NewResponse(request, payload))
}
