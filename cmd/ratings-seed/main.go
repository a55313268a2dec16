package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clark-Hu/rating-ledger/internal/client"
	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

func main() {
	var (
		apiURL    = flag.String("url", "http://localhost:8080", "rating API base url")
		token     = flag.String("token", os.Getenv("AUTH_TOKEN"), "bearer token for entity creation")
		dimension = flag.String("dimension", "overall", "dimension to rate")
		entities  = flag.Int("entities", 10, "number of entities to create")
		raters    = flag.Int("raters", 20, "number of distinct raters")
		minValue  = flag.Float64("min", 1, "lowest value to cast")
		maxValue  = flag.Float64("max", 5, "highest value to cast")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		top       = flag.Int("top", 5, "ranking rows to print")
	)
	flag.Parse()

	if *entities <= 0 || *raters <= 0 || *minValue > *maxValue {
		log.Fatalf("invalid flags: entities and raters must be positive and min <= max")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "[ratings-seed] ", log.LstdFlags)
	c, err := client.NewHTTPClient(*apiURL, *token, 5*time.Second, logger)
	if err != nil {
		log.Fatalf("init client: %v", err)
	}

	rnd := rand.New(rand.NewSource(*seed))
	var cast, rejected int
	for i := 0; i < *entities; i++ {
		e, err := c.CreateEntity(ctx)
		if err != nil {
			log.Fatalf("create entity: %v", err)
		}
		for r := 0; r < *raters; r++ {
			if rnd.Intn(3) == 0 {
				continue
			}
			rater := domain.Rater{Kind: "user", ID: fmt.Sprintf("seed-%d", r)}
			value := *minValue + rnd.Float64()*(*maxValue-*minValue)
			_, err := c.Cast(ctx, e.ID, *dimension, rater, value)
			switch {
			case err == nil:
				cast++
			case errors.Is(err, ledger.ErrOutOfRange), errors.Is(err, ledger.ErrRerateForbidden):
				rejected++
			default:
				log.Fatalf("cast on %s: %v", e.ID, err)
			}
		}
	}
	logger.Printf("created %d entities, cast %d votes, %d rejected", *entities, cast, rejected)

	rows, err := c.Ranked(ctx, *dimension, *top)
	if err != nil {
		log.Fatalf("fetch rankings: %v", err)
	}
	for i, row := range rows {
		fmt.Printf("%2d. %s  avg=%.2f  votes=%d\n", i+1, row.EntityID, *row.Average, row.Count)
	}
}
