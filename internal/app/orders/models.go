package orders

const (
	StatusPublishedToOutbox = "Published to outbox"
	StatusPublishedDirectly = "Published directly"
)

type SubmitResult struct {
	OrderID     string
	ProductName string
	Quantity    int
	Status      string
}

type OrderLine struct {
	OrderID     string
	ProductName string
	Quantity    int
}

type BatchResult struct {
	TotalRequested        int
	SuccessfullyPublished int
	Orders                []OrderLine
	Status                string
}
