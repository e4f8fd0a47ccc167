package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"realtime-service/activity"
	"realtime-service/api"
	"realtime-service/broker"
	"realtime-service/publisher"
	"realtime-service/subscriber"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	logger := log.New()

	b := broker.New(rc, broker.Options{
		HistoryLimit:    int64(envInt("EVENT_HISTORY_LIMIT", 500)),
		HistoryTTL:      envDur("EVENT_HISTORY_TTL", 24*time.Hour),
		SubscriptionTTL: envDur("SUBSCRIPTION_TTL", time.Hour),
	})

	pub := publisher.New(b, publisher.NewRedisDeduper(rc, envDur("DEDUP_WINDOW", 5*time.Minute)), logger, publisher.Config{
		BatchSize:     envInt("PUBLISH_BATCH_SIZE", 50),
		FlushInterval: envDur("PUBLISH_FLUSH_INTERVAL", 100*time.Millisecond),
		MaxRetries:    envInt("PUBLISH_MAX_RETRIES", 3),
		RetryInterval: envDur("PUBLISH_RETRY_INTERVAL", 5*time.Second),
	})

	sub := subscriber.New(b, logger, subscriber.Config{
		MaxSubscriptionsPerUser: envInt("MAX_SUBSCRIPTIONS_PER_USER", 10),
		AckTimeout:              envDur("ACK_TIMEOUT", 5*time.Second),
		HealthInterval:          envDur("HEALTH_INTERVAL", 30*time.Second),
	})

	act := activity.New(b, pub, logger, activity.Config{
		MaxFeedSize:        envInt("MAX_FEED_SIZE", 100),
		HistoryRetention:   envDur("ACTIVITY_RETENTION", 24*time.Hour),
		RelevanceThreshold: envInt("RELEVANCE_THRESHOLD", 30),
		PersonalFeeds:      envBool("PERSONAL_FEEDS", false),
	})

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.DecompressRequest())

	api.Register(e, api.Deps{
		Publisher:  pub,
		Subscriber: sub,
		Activity:   act,
		Auth:       auth,
		Logger:     logger,
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("REALTIME_SERVICE_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return b
}
