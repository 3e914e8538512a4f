package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tapin/internal/attendance"
	"tapin/internal/broadcast"
	"tapin/internal/config"
	"tapin/internal/queue"
	"tapin/internal/store"
)

// Worker relays queued check-in events to the Redis pub/sub channel that
// external dashboards subscribe to, and periodically flips long-expired
// sessions closed. The sweep is housekeeping only; verification already
// treats expired sessions as closed.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "tapin:checkins")
	}

	repo := attendance.NewRepository(db.Client)
	publisher := broadcast.NewRedisPublisher(redisClient.Client, "tapin:course")

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	sweep := time.NewTicker(cfg.SweepInterval)
	defer sweep.Stop()

	log.Println("worker started, relaying check-in events...")
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Type != queue.TypeCheckIn {
				continue
			}
			evt, err := broadcast.Unmarshal(msg.Body)
			if err != nil {
				log.Printf("dropping malformed check-in event: %v", err)
				continue
			}
			if err := publisher.Publish(ctx, evt); err != nil {
				log.Printf("pub/sub publish failed for course %s: %v", evt.CourseID, err)
			}

		case <-sweep.C:
			// One-hour grace keeps recently expired sessions reportable as
			// "timed out" rather than "closed" while dashboards still care.
			n, err := repo.CloseExpired(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				log.Printf("expired-session sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("swept %d expired sessions closed", n)
			}

		case <-ctx.Done():
			log.Println("worker exiting")
			return
		}
	}
}
