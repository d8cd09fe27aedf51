package service_test

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/service"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type staticStats processing.Stats

func (s staticStats) Stats() processing.Stats {
	return processing.Stats(s)
}

var _ = Describe("report service", func() {
	var (
		s    store.Store
		srv  *service.ReportService
		tmp  string
		day1 = time.Date(2024, 1, 1, 1, 1, 1, 0, time.UTC)
		day2 = time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)
	)

	insert := func(id, source string, ts time.Time) {
		_, err := s.Report().Insert(model.Report{
			ID:           id,
			Source:       source,
			ArtifactPath: filepath.Join(tmp, id+".hprof"),
			ArtifactName: id + ".hprof",
			Timestamp:    ts,
		})
		Expect(err).To(BeNil())
	}

	complete := func(id string, outputs map[string]model.Output) {
		_, err := s.Report().UpdateStatus(id, store.Transition{To: model.ReportStatusRunning})
		Expect(err).To(BeNil())
		_, err = s.Report().UpdateStatus(id, store.Transition{To: model.ReportStatusCompleted, Outputs: outputs})
		Expect(err).To(BeNil())
	}

	BeforeEach(func() {
		tmp = GinkgoT().TempDir()
		s = store.NewStore()
		srv = service.NewReportService(s, nil)

		insert("a1", "host-a", day1)
		insert("a2", "host-a", day2)
		insert("b1", "host-b", day1.Add(time.Hour))
	})

	Context("list", func() {
		It("lists every report newest first", func() {
			reports := srv.ListReports()
			Expect(reports).To(HaveLen(3))
			Expect(reports[0].ID).To(Equal("a2"))
			Expect(reports[1].ID).To(Equal("b1"))
			Expect(reports[2].ID).To(Equal("a1"))
		})

		It("lists by source", func() {
			Expect(srv.ListReportsBySource("host-a")).To(HaveLen(2))
			Expect(srv.ListReportsBySource("host-c")).To(BeEmpty())
		})

		It("lists by date", func() {
			reports, err := srv.ListReportsByDate("2024-01-01")
			Expect(err).To(BeNil())
			Expect(reports).To(HaveLen(2))

			reports, err = srv.ListReportsByDate("2023-12-31")
			Expect(err).To(BeNil())
			Expect(reports).To(BeEmpty())
		})

		It("rejects malformed dates", func() {
			for _, date := range []string{"", "2024-13-01", "01/01/2024", "2024-01-01T00:00:00Z"} {
				_, err := srv.ListReportsByDate(date)
				Expect(err).NotTo(BeNil())
				Expect(reflect.TypeOf(err).String()).To(Equal("*service.ErrInvalidDate"))
			}
		})
	})

	Context("get", func() {
		It("returns a copy of the report", func() {
			r, err := srv.GetReport("a1")
			Expect(err).To(BeNil())
			Expect(r.Source).To(Equal("host-a"))

			r.Source = "changed"
			again, _ := srv.GetReport("a1")
			Expect(again.Source).To(Equal("host-a"))
		})

		It("fails with not found", func() {
			_, err := srv.GetReport("missing")
			Expect(err).NotTo(BeNil())
			Expect(reflect.TypeOf(err).String()).To(Equal("*service.ErrResourceNotFound"))
		})
	})

	Context("outputs", func() {
		It("returns the content of a completed report output", func() {
			path := filepath.Join(tmp, "a1_Leak_Suspects.html")
			Expect(os.WriteFile(path, []byte("<html>suspects</html>"), 0o644)).To(Succeed())
			complete("a1", map[string]model.Output{"suspects": {Name: "suspects", Path: path, Size: 21}})

			output, content, err := srv.OpenOutput("a1", "suspects")
			Expect(err).To(BeNil())
			Expect(output.Path).To(Equal(path))
			Expect(string(content)).To(Equal("<html>suspects</html>"))
		})

		It("refuses outputs of reports not completed", func() {
			_, _, err := srv.OpenOutput("a1", "suspects")
			Expect(reflect.TypeOf(err).String()).To(Equal("*service.ErrReportNotCompleted"))
		})

		It("fails with not found for unknown outputs or reports", func() {
			complete("a1", map[string]model.Output{"suspects": {Name: "suspects", Path: filepath.Join(tmp, "gone.html")}})

			_, _, err := srv.OpenOutput("a1", "overview")
			Expect(reflect.TypeOf(err).String()).To(Equal("*service.ErrResourceNotFound"))

			_, _, err = srv.OpenOutput("a1", "suspects")
			Expect(reflect.TypeOf(err).String()).To(Equal("*service.ErrResourceNotFound"))

			_, _, err = srv.OpenOutput("missing", "suspects")
			Expect(reflect.TypeOf(err).String()).To(Equal("*service.ErrResourceNotFound"))
		})
	})

	Context("status", func() {
		It("falls back to the index counters", func() {
			complete("b1", nil)
			st := srv.Status()
			Expect(st.Total).To(Equal(3))
			Expect(st.Queued).To(Equal(2))
			Expect(st.Completed).To(Equal(1))
			Expect(st.Workers).To(Equal(0))
		})

		It("uses the pipeline snapshot when available", func() {
			srv = service.NewReportService(s, staticStats{Workers: 4, BusyWorkers: 1, Utilization: 0.25})
			st := srv.Status()
			Expect(st.Workers).To(Equal(4))
			Expect(st.Utilization).To(Equal(0.25))
		})
	})
})
