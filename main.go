package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/callconsole/lib/myhttpclient"
	"github.com/MarcGrol/callconsole/lib/mypublisher"
	"github.com/MarcGrol/callconsole/lib/mypubsub"
	"github.com/MarcGrol/callconsole/lib/myqueue"
	"github.com/MarcGrol/callconsole/lib/mystore"
	"github.com/MarcGrol/callconsole/lib/mytime"
	"github.com/MarcGrol/callconsole/services/paytr"
	"github.com/MarcGrol/callconsole/services/warmup"
)

func main() {
	c := context.Background()

	router := mux.NewRouter()

	pubsub, pubsubCleanup, err := mypubsub.New(c)
	if err != nil {
		log.Fatalf("Error creating pubsub: %s", err)
	}
	defer pubsubCleanup()

	queue, queueCleanup, err := myqueue.New(c)
	if err != nil {
		log.Fatalf("Error creating queue: %s", err)
	}
	defer queueCleanup()

	nower := mytime.RealNower{}

	publisher, publisherCleanup, err := mypublisher.New(c, pubsub, queue, nower)
	if err != nil {
		log.Fatalf("Error creating publisher: %s", err)
	}
	defer publisherCleanup()
	publisher.RegisterEndpoints(c, router)

	cleanup, err := startPaymentService(c, router, nower, publisher)
	if err != nil {
		log.Fatalf("Error starting payment service: %s", err)
	}
	defer cleanup()

	startWebServerBlocking(router)
}

func startPaymentService(c context.Context, router *mux.Router, nower mytime.Nower, publisher mypublisher.Publisher) (func(), error) {
	cfg := paytr.Config{
		MerchantID:   os.Getenv("PAYTR_MERCHANT_ID"),
		MerchantKey:  os.Getenv("PAYTR_MERCHANT_KEY"),
		MerchantSalt: os.Getenv("PAYTR_MERCHANT_SALT"),
		TestMode:     envBool("PAYTR_TEST_MODE"),
		APIURL:       os.Getenv("PAYTR_API_URL"),
	}
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid paytr configuration (%s): %s", cfg, err)
	}

	orderStore, orderStoreCleanup, err := mystore.New[paytr.Order](c)
	if err != nil {
		return nil, fmt.Errorf("error creating order store: %s", err)
	}

	subscriptionStore, subscriptionStoreCleanup, err := mystore.New[paytr.Subscription](c)
	if err != nil {
		orderStoreCleanup()
		return nil, fmt.Errorf("error creating subscription store: %s", err)
	}

	cleanup := func() {
		subscriptionStoreCleanup()
		orderStoreCleanup()
	}

	service, err := paytr.NewWebService(cfg, paytr.NewPayer(cfg, myhttpclient.New()), orderStore, subscriptionStore, nower, publisher)
	if err != nil {
		cleanup()
		return nil, err
	}

	err = service.RegisterEndpoints(c, router)
	if err != nil {
		cleanup()
		return nil, err
	}

	warmup.NewService(orderStore).RegisterEndpoints(c, router)

	log.Printf("PayTR configured: %s", cfg)

	return cleanup, nil
}

func envBool(name string) bool {
	value, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && value
}

func startWebServerBlocking(router *mux.Router) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting webserver on port %s (try http://localhost:%s)", port, port)
	err := http.ListenAndServe(fmt.Sprintf(":%s", port), router)
	if err != nil {
		log.Fatalf("Error starting webserver on port %s: %s", port, err)
	}
}
