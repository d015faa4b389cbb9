// The player service runs the device trust and real-time messaging stack:
// the certificate authority, the device registry and credentials API, the
// MQTT broker enforcing certificate revocation, and the content event
// notifier.
package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/artcast-tech/artcast/ca"
	"github.com/artcast-tech/artcast/core/access"
	"github.com/artcast-tech/artcast/core/csql"
	"github.com/artcast-tech/artcast/core/logger"
	"github.com/artcast-tech/artcast/credentials"
	"github.com/artcast-tech/artcast/devices"
	"github.com/artcast-tech/artcast/mqtt"
	"github.com/artcast-tech/artcast/notify"
	"github.com/artcast-tech/artcast/protocol"
	"github.com/artcast-tech/artcast/ratelimit"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres        string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema  string `env:"POSTGRES_SCHEMA,default=artcast" description:"the database schema"`
	Redis           string `env:"REDIS,default=localhost:6379" description:"the address of the rate limit counter store"`
	KafkaBrokers    string `env:"KAFKA_BROKERS,default=localhost:9092" description:"comma separated Kafka bootstrap addresses"`
	KafkaTopic      string `env:"KAFKA_CONTENT_TOPIC,default=content-events" description:"the content event topic"`
	CACertFile      string `env:"CA_CERT_FILE,default=ca.crt"`
	CAKeyFile       string `env:"CA_KEY_FILE,default=ca.key"`
	CRLFile         string `env:"CRL_FILE,default=artcast.crl"`
	BrokerCertFile  string `env:"BROKER_CERT_FILE,default=server.crt"`
	BrokerKeyFile   string `env:"BROKER_KEY_FILE,default=server.key"`
	BrokerHost      string `env:"BROKER_HOST,required" description:"the broker host devices connect to"`
	BrokerPort      int    `env:"BROKER_PORT,default=8883"`
	MQTTListen      string `env:"MQTT_LISTEN,default=:8883"`
	HTTPListen      string `env:"HTTP_LISTEN,default=:3000"`
	JwtSecret       string `env:"JWT_SECRET,required" description:"the HMAC secret for user bearer tokens"`
	JwtIssuer       string `env:"JWT_ISSUER,default=artcast"`
	RateLimitPolicy string `env:"RATE_LIMIT_POLICY_FILE,default=" description:"optional JSON policy table overriding the built-in limits"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	defer db.Close()

	caManager, err := ca.NewManager(&ca.Builder{
		CACertFile: service.CACertFile,
		CAKeyFile:  service.CAKeyFile,
		CRLFile:    service.CRLFile,
	})
	if err != nil {
		panic(err)
	}
	// the broker must never accept a connection without a valid CRL
	if err := caManager.InitializeCRL(); err != nil {
		panic(err)
	}

	policies := ratelimit.DefaultPolicies()
	if len(service.RateLimitPolicy) > 0 {
		data, err := os.ReadFile(service.RateLimitPolicy)
		if err != nil {
			panic(err)
		}
		policies, err = ratelimit.LoadPolicies(data)
		if err != nil {
			panic(err)
		}
	}
	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: service.Redis})),
		policies,
	)

	registry := devices.NewRegistry(db)
	correlator := protocol.NewCorrelator(0)

	broker := mqtt.NewBroker(&mqtt.Builder{
		CACertFile:  service.CACertFile,
		CertFile:    service.BrokerCertFile,
		KeyFile:     service.BrokerKeyFile,
		ListenAddr:  service.MQTTListen,
		Revocations: caManager,
		Registry:    registry,
		Limiter:     limiter,
		Correlator:  correlator,
	})
	broker.HandleRequest("ping", func(ctx context.Context, request protocol.Envelope) ([]byte, error) {
		return json.Marshal(struct {
			Pong bool `json:"pong"`
		}{Pong: true})
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Secret: []byte(service.JwtSecret),
		Issuer: service.JwtIssuer,
	}))
	access.HandleAuthorizationRoute(router)

	devices.NewAPI(&devices.Builder{
		DB:       db,
		Router:   router,
		CA:       caManager,
		Limiter:  limiter,
		Commands: broker,
	})

	credentials.NewAPI(&credentials.Builder{
		DB:         db,
		Router:     router,
		CA:         caManager,
		Limiter:    limiter,
		BrokerHost: service.BrokerHost,
		BrokerPort: service.BrokerPort,
	})

	notifier := notify.NewNotifier(&notify.Builder{
		Brokers:   strings.Split(service.KafkaBrokers, ","),
		GroupID:   "artcast-player-service",
		Topic:     service.KafkaTopic,
		Publisher: broker,
		Devices:   registry,
	})
	defer notifier.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go caManager.RunCRLRefresher(ctx)
	go func() {
		if err := notifier.Run(ctx); err != nil {
			logger.Default().WithError(err).Errorln("notifier stopped")
		}
	}()

	logger.Default().Infoln("listen on", service.HTTPListen)
	go http.ListenAndServe(service.HTTPListen, handlers.CombinedLoggingHandler(os.Stdout, router))

	broker.Run()
}
