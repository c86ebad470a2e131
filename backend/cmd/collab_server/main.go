package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/cloneot/yjs-playground/backend/config"
	"github.com/cloneot/yjs-playground/backend/internal/cache"
	"github.com/cloneot/yjs-playground/backend/internal/collab"
	"github.com/cloneot/yjs-playground/backend/internal/httpapi"
	"github.com/cloneot/yjs-playground/backend/internal/store"
	"github.com/cloneot/yjs-playground/backend/internal/ws"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.LoadServer()
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	glog.Infof("config: port=%d redis=%v kafka=%v mysql=%t auth=%t",
		cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Mysql.DSN != "", cfg.Auth.Secret != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		// one address gives a single-node client, several a cluster client
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			glog.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	} else {
		glog.Warning("no redis configured, presence kept in process")
		presence = cache.NewMemoryPresence()
	}

	var opts []collab.Option
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("failed to connect to mysql: %v", err)
		}
		snapshots, err := store.NewSnapshotStore(db)
		if err != nil {
			glog.Fatalf("snapshot store: %v", err)
		}
		opts = append(opts, collab.WithSnapshotStore(snapshots))
	} else {
		glog.Warning("no mysql configured, rooms are not persisted")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// a SyncProducer needs Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			glog.Fatalf("failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphoreSize),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			},
		)
		defer dispatcher.Close()
		opts = append(opts, collab.WithEventSink(dispatcher))
	}

	svc := collab.NewInMemoryService(opts...)
	hub := ws.NewHub(presence, cfg.Presence.TTL)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(collab.DefaultSemaphoreSize))

	gin.SetMode(gin.ReleaseMode)
	r := httpapi.NewRouter(httpapi.RouterConfig{
		AuthSecret:     cfg.Auth.Secret,
		AllowedOrigins: cfg.Cors.Origins,
	}, manager, svc)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.Errorf("shutdown: %v", err)
		}
	}()

	glog.Infof("collab server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Fatalf("listen: %v", err)
	}
}
