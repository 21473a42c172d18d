package api

import (
	"bufio"
	"context"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

// arrowBatchSize is the number of intervals per Arrow record batch.
const arrowBatchSize = 10000

// intervalSchema is the Arrow layout of a streamed interval. Event
// annotations are not carried.
var intervalSchema = arrow.NewSchema([]arrow.Field{
	{Name: "intervalId", Type: arrow.BinaryTypes.String},
	{Name: "Location", Type: arrow.BinaryTypes.String},
	{Name: "Primitive", Type: arrow.BinaryTypes.String},
	{Name: "enter", Type: arrow.PrimitiveTypes.Float64},
	{Name: "leave", Type: arrow.PrimitiveTypes.Float64},
	{Name: "parentId", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "parentLocation", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "parentEnd", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// writeIntervalsArrow writes seq as an Arrow IPC stream, one record batch
// per arrowBatchSize intervals. The end-of-stream marker is only written
// when every interval was sent.
func writeIntervalsArrow(ctx context.Context, w *bufio.Writer, seq iter.Seq2[*interval.Interval, error]) (int, error) {
	mem := memory.NewGoAllocator()
	ipcWriter := ipc.NewWriter(w, ipc.WithSchema(intervalSchema), ipc.WithAllocator(mem))

	builder := array.NewRecordBuilder(mem, intervalSchema)
	defer builder.Release()

	ids := builder.Field(0).(*array.StringBuilder)
	locs := builder.Field(1).(*array.StringBuilder)
	prims := builder.Field(2).(*array.StringBuilder)
	enters := builder.Field(3).(*array.Float64Builder)
	leaves := builder.Field(4).(*array.Float64Builder)
	parents := builder.Field(5).(*array.StringBuilder)
	parentLocs := builder.Field(6).(*array.StringBuilder)
	parentEnds := builder.Field(7).(*array.Float64Builder)

	flushBatch := func() error {
		record := builder.NewRecord()
		defer record.Release()
		if err := ipcWriter.Write(record); err != nil {
			return clientGone(err)
		}
		if err := w.Flush(); err != nil {
			return clientGone(err)
		}
		return nil
	}

	n, batchRows := 0, 0
	for iv, err := range seq {
		if err != nil {
			return n, err
		}
		if ctx.Err() != nil {
			return n, context.Cause(ctx)
		}
		ids.Append(iv.ID)
		locs.Append(iv.Location)
		prims.Append(iv.Primitive)
		enters.Append(iv.Enter.Timestamp)
		leaves.Append(iv.Leave.Timestamp)
		if iv.Parent != nil {
			parents.Append(iv.Parent.ID)
			parentLocs.Append(iv.Parent.Location)
			parentEnds.Append(iv.Parent.EndTimestamp)
		} else {
			parents.AppendNull()
			parentLocs.AppendNull()
			parentEnds.AppendNull()
		}
		n++
		batchRows++

		if batchRows >= arrowBatchSize {
			if err := flushBatch(); err != nil {
				return n, err
			}
			batchRows = 0
		}
	}
	if batchRows > 0 {
		if err := flushBatch(); err != nil {
			return n, err
		}
	}
	if err := ipcWriter.Close(); err != nil {
		return n, clientGone(err)
	}
	if err := w.Flush(); err != nil {
		return n, clientGone(err)
	}
	return n, nil
}
