package main

import (
	"github.com/dosco/docbridge/core"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the database is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd.Context(), func(client *core.Client) error {
				if err := client.Ping(cmd.Context()); err != nil {
					return err
				}
				p, err := newPrinter(cmd.OutOrStdout(), c.format)
				if err != nil {
					return err
				}
				return p.print(bson.D{
					{Key: "ok", Value: int32(1)},
					{Key: "backend", Value: client.Backend()},
					{Key: "database", Value: client.DB().Name()},
				})
			})
		},
	}
}

func (c *cli) collectionsCmd() *cobra.Command {
	var dbs bool

	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List collection names, or database names with --databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withClient(ctx, func(client *core.Client) error {
				var names []string
				var err error

				if dbs {
					names, err = client.ListDatabaseNames(ctx)
				} else {
					names, err = client.DB().ListCollectionNames(ctx)
				}
				if err != nil {
					return err
				}

				p, err := newPrinter(cmd.OutOrStdout(), c.format)
				if err != nil {
					return err
				}
				return p.print(names)
			})
		},
	}
	cmd.Flags().BoolVar(&dbs, "databases", false, "list databases instead")
	return cmd
}

func (c *cli) findCmd() *cobra.Command {
	var (
		filter, sort, project string
		skip, limit           int64
	)

	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Print the documents matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := parseDoc(filter)
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				cur := coll.Find(f).Skip(skip)
				if limit != 0 {
					cur = cur.Limit(limit)
				}
				if sort != "" {
					s, err := parseDoc(sort)
					if err != nil {
						return err
					}
					cur = cur.Sort(s)
				}
				if project != "" {
					pr, err := parseDoc(project)
					if err != nil {
						return err
					}
					cur = cur.Project(pr)
				}
				defer cur.Close(ctx) //nolint:errcheck

				return cur.ForEach(ctx, func(d bson.D) error {
					return p.print(d)
				})
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&filter, "filter", "f", "", "filter document")
	fl.StringVar(&sort, "sort", "", "sort document, for example {\"age\": -1}")
	fl.StringVar(&project, "project", "", "projection document")
	fl.Int64Var(&skip, "skip", 0, "documents to skip")
	fl.Int64Var(&limit, "limit", 0, "maximum documents to return, 0 for all")
	return cmd
}

func (c *cli) countCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "count <collection>",
		Short: "Count the documents matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := parseDoc(filter)
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				n, err := coll.CountDocuments(ctx, f)
				if err != nil {
					return err
				}
				return p.print(n)
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "filter document")
	return cmd
}

func (c *cli) insertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <collection> <document|array>",
		Short: "Insert one document or an array of documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, err := parseDocs(args[1])
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				if len(docs) == 1 {
					res, err := coll.InsertOne(ctx, docs[0])
					if err != nil {
						return err
					}
					return p.print(bson.D{{Key: "insertedId", Value: res.InsertedID}})
				}

				res, err := coll.InsertMany(ctx, docs)
				if err != nil {
					return err
				}
				return p.print(bson.D{
					{Key: "insertedCount", Value: res.InsertedCount},
					{Key: "insertedIds", Value: bson.A(res.InsertedIDs)},
				})
			})
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	var many, upsert bool

	cmd := &cobra.Command{
		Use:   "update <collection> <filter> <update>",
		Short: "Apply an update document to matching documents",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := parseDoc(args[1])
			if err != nil {
				return err
			}
			u, err := parseDoc(args[2])
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				var res *core.UpdateResult
				opts := &core.UpdateOptions{Upsert: upsert}

				if many {
					res, err = coll.UpdateMany(ctx, f, u, opts)
				} else {
					res, err = coll.UpdateOne(ctx, f, u, opts)
				}
				if err != nil {
					return err
				}

				out := bson.D{
					{Key: "matchedCount", Value: res.MatchedCount},
					{Key: "modifiedCount", Value: res.ModifiedCount},
					{Key: "upsertedCount", Value: res.UpsertedCount},
				}
				if res.UpsertedID != nil {
					out = append(out, bson.E{Key: "upsertedId", Value: res.UpsertedID})
				}
				return p.print(out)
			})
		},
	}
	cmd.Flags().BoolVar(&many, "many", false, "update every matching document")
	cmd.Flags().BoolVar(&upsert, "upsert", false, "insert when nothing matches")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	var many bool

	cmd := &cobra.Command{
		Use:   "delete <collection> <filter>",
		Short: "Delete matching documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := parseDoc(args[1])
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				var res *core.DeleteResult
				if many {
					res, err = coll.DeleteMany(ctx, f)
				} else {
					res, err = coll.DeleteOne(ctx, f)
				}
				if err != nil {
					return err
				}
				return p.print(bson.D{{Key: "deletedCount", Value: res.DeletedCount}})
			})
		},
	}
	cmd.Flags().BoolVar(&many, "many", false, "delete every matching document")
	return cmd
}

func (c *cli) aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <collection> <pipeline>",
		Short: "Run an aggregation pipeline of $match, $group, $project and $unwind stages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			stages, err := parseDocs(args[1])
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), c.format)
			if err != nil {
				return err
			}

			return c.withCollection(ctx, args[0], func(coll *core.Collection) error {
				cur := coll.Aggregate(stages)
				defer cur.Close(ctx) //nolint:errcheck

				return cur.ForEach(ctx, func(d bson.D) error {
					return p.print(d)
				})
			})
		},
	}
}
