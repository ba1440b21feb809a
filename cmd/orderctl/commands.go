// Copyright (c) 2026 John Earle
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

	"github.com/spf13/cobra"

	"github.com/bcem/orderintake/internal/app"
	"github.com/bcem/orderintake/internal/models"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print message and order counts",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
		ctx := cmd.Context()
		msgs, err := a.Store.MessageStats(ctx)
		if err != nil {
			return fmt.Errorf("message stats: %w", err)
		}
		orders, err := a.Store.OrderStats(ctx)
		if err != nil {
			return fmt.Errorf("order stats: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"messages": msgs, "orders": orders})
	}),
}

var showCmd = &cobra.Command{
	Use:   "show <tracking-key>",
	Short: "Print a message with its attachments and orders",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
		ctx := cmd.Context()
		msg, err := a.Store.GetMessage(ctx, args[0])
		if err != nil {
			return fmt.Errorf("message %s: %w", args[0], err)
		}
		atts, err := a.Store.ListAttachments(ctx, msg.TrackingKey)
		if err != nil {
			return fmt.Errorf("attachments: %w", err)
		}
		orders, err := a.Store.OrdersForMessage(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"message":     msg,
			"attachments": atts,
			"orders":      orders,
		})
	}),
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <tracking-key>",
	Short: "Delete a message's orders and extract them again",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
		res, err := a.Coordinator.Reprocess(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("reprocess %s: %w", args[0], err)
		}
		return printJSON(cmd.OutOrStdout(), res)
	}),
}

var convertCmd = &cobra.Command{
	Use:   "convert <tracking-key>",
	Short: "Create a manual order for a message",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
		o, err := a.Coordinator.Convert(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("convert %s: %w", args[0], err)
		}
		return printJSON(cmd.OutOrStdout(), o)
	}),
}

var resyncCmd = &cobra.Command{
	Use:   "resync <order-id>",
	Short: "Push an order to the external systems again",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")
		now, _ := cmd.Flags().GetBool("now")

		if !now {
			if _, err := a.Store.GetOrder(ctx, args[0]); err != nil {
				return fmt.Errorf("order %s: %w", args[0], err)
			}
			if err := a.Coordinator.Resync(ctx, args[0], force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sync queued: %s force=%t\n", args[0], force)
			return err
		}

		o, err := a.Orchestrator.Sync(ctx, args[0], force)
		if o != nil {
			if perr := printJSON(cmd.OutOrStdout(), o.Sync); perr != nil {
				return perr
			}
		}
		if err != nil {
			return fmt.Errorf("sync %s: %w", args[0], err)
		}
		if o.SyncStatus != models.SyncSynced && o.SyncStatus != models.SyncSkipped {
			return fmt.Errorf("sync %s ended %s", args[0], o.SyncStatus)
		}
		return nil
	}),
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the external system credentials",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		var errs []error

		if a.CRM.Enabled() {
			if info, err := a.CRM.CheckConnection(ctx); err != nil {
				errs = append(errs, fmt.Errorf("salesforce: %w", err))
				fmt.Fprintf(out, "salesforce        FAIL  %v\n", err)
			} else {
				fmt.Fprintf(out, "salesforce        ok    %s\n", info)
			}
		} else {
			fmt.Fprintln(out, "salesforce        disabled")
		}

		if a.ERP.Enabled() {
			if info, err := a.ERP.TestConnection(ctx); err != nil {
				errs = append(errs, fmt.Errorf("business central: %w", err))
				fmt.Fprintf(out, "business_central  FAIL  %v\n", err)
			} else {
				fmt.Fprintf(out, "business_central  ok    %s\n", info)
			}
		} else {
			fmt.Fprintln(out, "business_central  disabled")
		}

		return errors.Join(errs...)
	}),
}
