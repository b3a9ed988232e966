// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigkmer builds a distributed k-mer counting index over a FASTQ
// file and resolves k-mer count queries against it. Ranks run as
// goroutines over an in-process mesh; the same driver works over a
// TCP mesh for multi-host runs. Input paths may name local files or
// S3 objects.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmer"
	"github.com/grailbio/bigkmer/alphabet"
	"github.com/grailbio/bigkmer/comm"
	"github.com/grailbio/bigkmer/kmer"
	"golang.org/x/sync/errgroup"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	var (
		k           = flag.Int("k", 31, "k-mer window length")
		ranks       = flag.Int("ranks", 4, "number of index ranks")
		alpha       = flag.String("alphabet", "dna", "sequence alphabet: dna or dna5")
		parallelism = flag.Int("p", 4, "per-rank scan parallelism")
		bufferSize  = flag.Int("buffer", 8192, "aggregation buffer size in bytes")
		queries     = flag.String("query", "", "comma-separated k-mers to look up after the build")
		console     = flag.Bool("status", false, "display rank status on the console")
	)
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigkmer [flags] reads.fastq\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	path := flag.Arg(0)

	var a *alphabet.Alphabet
	switch *alpha {
	case "dna":
		a = alphabet.DNA
	case "dna5":
		a = alphabet.DNA5
	default:
		log.Fatalf("unknown alphabet %q", *alpha)
	}

	var sample []kmer.Kmer[uint64]
	for _, q := range strings.Split(*queries, ",") {
		if q == "" {
			continue
		}
		km, err := parseKmer(a, *k, q)
		if err != nil {
			log.Fatal(err)
		}
		sample = append(sample, km)
	}

	stat := new(status.Status)
	if *console {
		var reporter status.Reporter
		go reporter.Go(os.Stderr, stat)
	}

	ctx := context.Background()
	ts := comm.NewLocalMesh(*ranks, *ranks*512)
	group := stat.Group("ranks")
	results := make([]map[string]uint64, *ranks)
	var g errgroup.Group
	for rank := 0; rank < *ranks; rank++ {
		rank := rank
		g.Go(func() error {
			task := group.Start(fmt.Sprintf("rank %d", rank))
			defer task.Done()
			x, err := bigkmer.Open(ts[rank], a, *k, bigkmer.Options{
				Comm:             comm.Options{BufferSize: *bufferSize},
				BuildParallelism: *parallelism,
			})
			if err != nil {
				return err
			}
			task.Printf("indexing %s", path)
			if err := x.Build(ctx, path); err != nil {
				return err
			}
			task.Printf("indexed: %d distinct, %d total", x.Distinct(), x.Total())
			var query []kmer.Kmer[uint64]
			if rank == 0 {
				query = sample
			}
			res, err := x.Query(ctx, query)
			if err != nil {
				return err
			}
			results[rank] = res
			task.Printf("done: %s", x.Stats())
			return x.Close(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	for _, km := range sample {
		fmt.Printf("%s\t%d\n", km.String(a), results[0][string(km.Bytes())])
	}
}

func parseKmer(a *alphabet.Alphabet, k int, s string) (kmer.Kmer[uint64], error) {
	if len(s) != k {
		return kmer.Kmer[uint64]{}, fmt.Errorf("query %q is not %d characters", s, k)
	}
	km := kmer.New[uint64](k, a.Bits())
	for i := 0; i < len(s); i++ {
		if !a.Valid(s[i]) {
			return kmer.Kmer[uint64]{}, fmt.Errorf("query %q: invalid character %q", s, s[i])
		}
		km.Push(a.Code(s[i]))
	}
	return km, nil
}
