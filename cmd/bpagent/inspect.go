// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/cbor"
	"github.com/blinklabs-io/gobp/store"
)

const bundleRecordPrefix = "bundle/"

func newInspectCommand(v *viper.Viper, configFile *string) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the records in a stopped agent's journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, *configFile)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("no store path configured")
			}
			s, err := store.New(
				store.WithPath(cfg.Store.Path),
				store.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			)
			if err != nil {
				return err
			}
			defer s.Close()
			return inspect(s, prefix, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list records whose key starts with this prefix")
	return cmd
}

// inspect writes one line per journaled record. Bundle records also show
// their endpoints.
func inspect(s *store.Store, prefix string, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tBYTES\tSOURCE\tDESTINATION")
	var count, total int
	err := s.Scan(prefix, func(key string, value []byte) error {
		count++
		total += len(value)
		source, dest := "-", "-"
		if strings.HasPrefix(key, bundleRecordPrefix) {
			var b bundle.Bundle
			if _, err := cbor.Decode(value, &b); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			source = b.ID.Source.String()
			dest = b.Destination.String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", key, len(value), source, dest)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(tw, "%d records\t%d\t\t\n", count, total)
	return tw.Flush()
}
