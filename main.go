package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coderoom-server/access"
	"coderoom-server/collab"
	"coderoom-server/handlers/api/rooms"
	"coderoom-server/handlers/auth"
	"coderoom-server/handlers/stream"
	"coderoom-server/handlers/websocket"
	"coderoom-server/metrics"
	authMiddleware "coderoom-server/middleware"
	"coderoom-server/presence"
	"coderoom-server/publish"
	"coderoom-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type server struct {
	store    stores.Store
	docs     *collab.DocumentStore
	ctrl     *collab.Controller
	members  rooms.MemberLister
	origins  []string
	closers  []io.Closer
	shutdown []func()
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setupRouter(s *server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	allowed := s.origins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":      "ok",
			"activeRooms": len(s.ctrl.Registry().ActiveRooms()),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v2/rooms", func(r chi.Router) {
		r.Use(authMiddleware.AuthJWT)
		r.Post("/", rooms.HandleCreateRoom(s.store))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", rooms.HandleGetRoom(s.store))
			r.Delete("/", rooms.HandleDeleteRoom(s.store, s.ctrl))
			r.Put("/access-type", rooms.HandleUpdateAccessType(s.store))
			r.Post("/access", rooms.HandleAddAccess(s.store))
			r.Get("/document", rooms.HandleGetDocument(s.store, s.docs))
		})
	})

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(authMiddleware.AuthJWT)
		r.Get("/", rooms.HandleListActiveRooms(s.store, s.ctrl.Registry()))
		r.Get("/{roomId}/members", rooms.HandleListMembers(s.store, s.ctrl.Registry(), s.members))
	})

	r.Get("/ws", stream.Handler(s.ctrl, s.origins))
	return r
}

// setupPresence connects to Redis when REDIS_ADDR is set.
func setupPresence(ctx context.Context, s *server) *presence.Redis {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).WithField("addr", addr).Warn("Redis unavailable, presence stays local")
		rdb.Close()
		return nil
	}
	s.closers = append(s.closers, rdb)
	logrus.WithField("addr", addr).Info("Use redis presence")
	return presence.NewRedis(rdb, os.Getenv("REDIS_PREFIX"), presence.DefaultTTL)
}

// setupPublisher starts the Kafka commit feed when KAFKA_BROKERS is set.
func setupPublisher(s *server) {
	brokers := splitList(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		return
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "coderoom.commits"
	}

	producer, err := publish.NewSyncProducer(brokers)
	if err != nil {
		logrus.WithError(err).Warn("Kafka unavailable, commits will not be published")
		return
	}
	d := publish.NewDispatcher(producer, topic, publish.Options{})
	unsubscribe := s.docs.Subscribe(d.Publish)
	s.shutdown = append(s.shutdown, func() {
		unsubscribe()
		if err := d.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close kafka dispatcher")
		}
	})
	logrus.WithFields(logrus.Fields{"brokers": brokers, "topic": topic}).Info("Publishing commits to kafka")
}

func waitForShutdown(ioo *socketio.Server, s *server, cancel context.CancelFunc) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-signalC

	logrus.WithField("signal", sig.String()).Info("Shutting down...")
	ioo.Close(nil)
	cancel()
	s.ctrl.Close()
	for _, fn := range s.shutdown {
		fn()
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
	os.Exit(0)
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	auth.Init()
	store := stores.GetStore()

	ctx, cancel := context.WithCancel(context.Background())
	s := &server{
		store:   store,
		docs:    collab.NewDocumentStore(store),
		origins: splitList(os.Getenv("CORS_ORIGINS")),
	}
	if c, ok := store.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	opts := collab.Options{
		Access:    access.NewDirectory(store),
		Documents: s.docs,
		Metrics:   metrics.New(),
	}
	// Presence must stay an untyped nil when redis is off.
	if p := setupPresence(ctx, s); p != nil {
		opts.Presence = p
		s.members = p
	}
	s.ctrl = collab.NewController(opts)
	if p, ok := opts.Presence.(*presence.Redis); ok {
		go p.Heartbeat(ctx, 30*time.Second, s.ctrl.Registry().Snapshot)
	}
	setupPublisher(s)

	r := setupRouter(s)
	ioo := websocket.SetupSocketIO(s.ctrl, websocket.Options{Origins: s.origins})
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddress, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo, s, cancel)
}
