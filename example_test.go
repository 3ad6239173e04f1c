package couchkv_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pior/couchkv"
	"github.com/pior/couchkv/docreq"
)

func ExampleNewInstance() {
	inst, err := couchkv.NewInstance("couchbase://localhost/default", couchkv.DefaultSettings())
	if err != nil {
		log.Fatal(err)
	}
	defer inst.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := inst.Connect(); err != nil {
		log.Fatal(err)
	}
	if err := inst.Wait(ctx); err != nil {
		log.Fatal(err)
	}
	if err := inst.BootstrapStatus(); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	if _, err := inst.Upsert(ctx, "user:123", []byte(`{"name":"John"}`)); err != nil {
		log.Fatal(err)
	}
	res, err := inst.Get(ctx, "user:123")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s (cas %d)\n", res.Value, res.CAS)
}

// Several operations can be scheduled before running the loop once.
func ExampleInstance_GetAsync() {
	inst, err := couchkv.NewInstance("couchbase://localhost/default", couchkv.DefaultSettings())
	if err != nil {
		log.Fatal(err)
	}
	defer inst.Close()

	ctx := context.Background()
	if err := inst.Connect(); err != nil {
		log.Fatal(err)
	}
	if err := inst.Wait(ctx); err != nil {
		log.Fatal(err)
	}

	for _, key := range []string{"a", "b", "c"} {
		err := inst.GetAsync(key, func(res *couchkv.Result) {
			if res.Err != nil {
				fmt.Printf("%s: %v\n", res.Key, res.Err)
				return
			}
			fmt.Printf("%s: %s\n", res.Key, res.Value)
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	if err := inst.Wait(ctx); err != nil {
		log.Fatal(err)
	}
}

func ExampleInstance_Durability() {
	inst, err := couchkv.NewInstance("couchbase://localhost/default", couchkv.DefaultSettings())
	if err != nil {
		log.Fatal(err)
	}
	defer inst.Close()

	ctx := context.Background()
	_ = inst.Connect()
	_ = inst.Wait(ctx)

	stored, err := inst.Upsert(ctx, "order:42", []byte(`{"total":12}`))
	if err != nil {
		log.Fatal(err)
	}

	items := []couchkv.DurabilityItem{{Key: []byte("order:42"), CAS: stored.CAS, Token: stored.Token}}
	opts := couchkv.DurabilityOptions{PersistTo: 1, ReplicateTo: 1, CapMax: true}
	err = inst.Durability(items, opts, func(results []*couchkv.DurabilityResult) {
		for _, r := range results {
			fmt.Printf("%s: persisted on master %v, %d replicas (%v)\n",
				r.Key, r.PersistedMaster, r.NReplicated, r.Err)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
	_ = inst.Wait(ctx)
}

func ExampleInstance_NewDocQueue() {
	inst, err := couchkv.NewInstance("couchbase://localhost/default", couchkv.DefaultSettings())
	if err != nil {
		log.Fatal(err)
	}
	defer inst.Close()

	ctx := context.Background()
	_ = inst.Connect()
	_ = inst.Wait(ctx)

	q := inst.NewDocQueue(docreq.Options{
		MaxPendingResponse: 20,
		OnReady: func(_ *docreq.Queue, req *docreq.Request) {
			fmt.Printf("%s: %s %v\n", req.Key, req.Value, req.Err)
		},
	})
	for _, id := range []string{"doc1", "doc2", "doc3"} {
		_ = q.Add(&docreq.Request{Key: []byte(id)})
	}
	q.Unref()

	_ = inst.Wait(ctx)
}

func ExampleLoadSettings() {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
bucket: travel-sample
operation_timeout: 5
retry_policy_missingnode: get
`))
	if err != nil {
		log.Fatal(err)
	}

	s, err := couchkv.LoadSettings(v)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(s.Bucket, s.OperationTimeout, s.RetryPolicies[couchkv.RetryOnMissingNode])
	// Output: travel-sample 5s get
}
