package dataflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"

	"github.com/justintemps/ilostat-simple-summarizer/internal/logging"
)

const (
	// DefaultBaseURL is the public ILOSTAT SDMX 2.1 REST endpoint.
	DefaultBaseURL = "https://sdmx.ilo.org/rest"
	// DefaultAgency maintains the dataflows the pipeline snapshots.
	DefaultAgency = "ILO"

	userAgent = "ilostat-simple-summarizer/1.0"
)

// Client walks the SDMX registry. Structure documents are parsed by local
// element name, so the SDMX-ML namespace prefixes do not matter.
type Client struct {
	Logger  *slog.Logger
	BaseURL string
	Agency  string

	// Limit caps how many dataflows are walked; zero walks everything.
	Limit int
}

func (c *Client) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (c *Client) agency() string {
	if c.Agency != "" {
		return c.Agency
	}
	return DefaultAgency
}

func (c *Client) collector() *colly.Collector {
	return colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.IgnoreRobotsTxt(),
	)
}

// Dataflows lists the agency's catalogue and resolves each dataflow's
// reference areas from its content constraint. Dataflows without a
// constraint simply have no areas.
func (c *Client) Dataflows(ctx context.Context) ([]Dataflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		flows   []Dataflow
		index   = map[string]int{}
		walkErr error
	)

	catalogue := c.collector()
	catalogue.OnXML("//Dataflow", func(e *colly.XMLElement) {
		id := e.Attr("id")
		if id == "" {
			return
		}
		if _, seen := index[id]; seen {
			return
		}
		index[id] = len(flows)
		flows = append(flows, Dataflow{
			ID:          id,
			Agency:      e.Attr("agencyID"),
			Version:     e.Attr("version"),
			Name:        strings.TrimSpace(e.ChildText("Name")),
			Description: strings.TrimSpace(e.ChildText("Description")),
		})
	})
	catalogue.OnError(func(_ *colly.Response, err error) {
		walkErr = fmt.Errorf("listing dataflows: %w", err)
	})

	if err := catalogue.Visit(c.catalogueURL()); err != nil {
		return nil, fmt.Errorf("listing dataflows: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}
	if len(flows) == 0 {
		return nil, errors.New("dataflow catalogue is empty")
	}

	if c.Limit > 0 && len(flows) > c.Limit {
		flows = flows[:c.Limit]
		for id, i := range index {
			if i >= len(flows) {
				delete(index, id)
			}
		}
	}

	constraints := catalogue.Clone()
	constraints.OnResponse(func(r *colly.Response) {
		i, ok := index[r.Ctx.Get("dataflow")]
		if !ok {
			return
		}
		doc, err := xmlquery.Parse(bytes.NewReader(r.Body))
		if err != nil {
			if walkErr == nil {
				walkErr = fmt.Errorf("parsing constraints for %s: %w", flows[i].ID, err)
			}
			return
		}
		for _, value := range xmlquery.Find(doc, "//KeyValue[@id='REF_AREA']/Value") {
			if area := strings.TrimSpace(value.InnerText()); area != "" {
				flows[i].Areas = append(flows[i].Areas, area)
			}
		}
	})
	constraints.OnError(func(r *colly.Response, err error) {
		// The registry answers 404 for dataflows without a constraint.
		if r != nil && r.StatusCode == http.StatusNotFound {
			return
		}
		if walkErr == nil {
			walkErr = fmt.Errorf("fetching constraints: %w", err)
		}
	})

	for _, flow := range flows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reqCtx := colly.NewContext()
		reqCtx.Put("dataflow", flow.ID)
		if err := constraints.Request(http.MethodGet, c.constraintURL(flow), nil, reqCtx, nil); err != nil {
			return nil, fmt.Errorf("fetching constraints for %s: %w", flow.ID, err)
		}
	}
	if walkErr != nil {
		return nil, walkErr
	}

	c.logger().Info("dataflow catalogue walked", "dataflows", len(flows))
	return flows, nil
}

// AreaNames resolves the CL_AREA codelist to a code to name map. A registry
// without the codelist yields an empty map rather than an error.
func (c *Client) AreaNames(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := map[string]string{}
	var walkErr error

	codes := c.collector()
	codes.OnXML("//Code", func(e *colly.XMLElement) {
		id := e.Attr("id")
		if id == "" {
			return
		}
		names[id] = strings.TrimSpace(e.ChildText("Name"))
	})
	codes.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode == http.StatusNotFound {
			return
		}
		walkErr = fmt.Errorf("fetching area codelist: %w", err)
	})

	if err := codes.Visit(c.codelistURL()); err != nil {
		return nil, fmt.Errorf("fetching area codelist: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}

	c.logger().Debug("area codelist resolved", "areas", len(names))
	return names, nil
}

func (c *Client) catalogueURL() string {
	return fmt.Sprintf("%s/dataflow/%s?detail=allstub", c.base(), c.agency())
}

func (c *Client) constraintURL(flow Dataflow) string {
	version := flow.Version
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s/dataflow/%s/%s/%s?references=contentconstraint", c.base(), c.agency(), flow.ID, version)
}

func (c *Client) codelistURL() string {
	return fmt.Sprintf("%s/codelist/%s/CL_AREA", c.base(), c.agency())
}
