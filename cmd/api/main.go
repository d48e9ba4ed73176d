package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kbtrade/go-market-orders/internal/cart"
	"github.com/kbtrade/go-market-orders/internal/config"
	"github.com/kbtrade/go-market-orders/internal/httpx"
	kafkax "github.com/kbtrade/go-market-orders/internal/kafka"
	"github.com/kbtrade/go-market-orders/internal/orders"
	"github.com/kbtrade/go-market-orders/internal/postgres"
	"github.com/kbtrade/go-market-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderEvents, 1024)
	prod.Start(ctx)

	productRepo := &orders.ProductRepo{DB: db}
	userRepo := &orders.UserRepo{DB: db}

	orderSvc := &orders.Service{
		Orders:        &orders.OrderRepo{DB: db},
		Products:      productRepo,
		Users:         userRepo,
		Events:        prod,
		ServiceName:   cfg.ServiceName,
		OrderNoPrefix: cfg.OrderNoPrefix,
	}
	cartSvc := &cart.Service{
		Lines:    &cart.Repo{DB: db},
		Products: productRepo,
		Users:    userRepo,
	}

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Svc: orderSvc, Carts: cartSvc, Redis: rdb}).Register(router)
	(&httpx.CartHandler{Svc: cartSvc}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close() // flush queued events
	cancel()
	prod.WaitClosed()
}
